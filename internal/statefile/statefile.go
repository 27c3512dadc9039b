// Package statefile implements each daemon's atomic JSON state
// publication for UI readers that are not bus-aware, per spec.md §4.3.
package statefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yuin/goldmark"
)

// State is daemon-defined but must always include UpdatedAt, Status,
// and Errors — the fields every UI reader depends on regardless of
// which daemon published the file.
type State struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Status    string         `json:"status"`
	Errors    []string       `json:"errors,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Source supplies the current snapshot to publish. Called on every
// Publish call; no bus method triggers a Publish. Must not block on
// external I/O.
type Source func() State

// Publisher atomically writes a daemon's state to a well-known JSON
// file, plus a companion Markdown digest of recent errors, on a
// wall-clock cadence and on demand. Writes use the temp-file-then-
// rename pattern: no reader ever observes a partially written file.
type Publisher struct {
	path       string
	digestPath string
	source     Source
	logger     *slog.Logger

	mu       sync.Mutex
	lastSent time.Time
}

// New creates a Publisher. path is the JSON state file;
// digestPath is the companion Markdown error digest.
func New(path, digestPath string, source Source, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{path: path, digestPath: digestPath, source: source, logger: logger}
}

// Publish writes the current state immediately. Safe to call
// concurrently; calls serialize on the publisher's lock.
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.source()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: marshal state: %w", err)
	}
	if err := atomicWrite(p.path, data); err != nil {
		return fmt.Errorf("statefile: write state: %w", err)
	}

	if p.digestPath != "" {
		digest, err := renderDigest(state)
		if err != nil {
			p.logger.Warn("statefile: render digest failed", "error", err)
		} else if err := atomicWrite(p.digestPath, digest); err != nil {
			p.logger.Warn("statefile: write digest failed", "error", err)
		}
	}

	p.lastSent = time.Now()
	return nil
}

// LastPublished returns when Publish last succeeded.
func (p *Publisher) LastPublished() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSent
}

// atomicWrite writes data to a temp file in the same directory as path
// and renames it into place, so readers never observe a torn write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// renderDigest converts State.Errors into a short Markdown document for
// the editor-extension UI. The document is also passed through goldmark,
// whose HTML output is discarded.
func renderDigest(state State) ([]byte, error) {
	var src bytes.Buffer
	fmt.Fprintf(&src, "# %s\n\n_Updated %s_\n\n", state.Status, state.UpdatedAt.Format(time.RFC3339))
	if len(state.Errors) == 0 {
		src.WriteString("No errors.\n")
	} else {
		for _, e := range state.Errors {
			fmt.Fprintf(&src, "- %s\n", e)
		}
	}

	var out bytes.Buffer
	if err := goldmark.Convert(src.Bytes(), &out); err != nil {
		return nil, err
	}
	// The digest file itself is Markdown (not the rendered HTML). goldmark
	// accepts any input, so this pass does not reject malformed Markdown;
	// it fails only if writing to the buffer fails. Emit the source.
	return src.Bytes(), nil
}
