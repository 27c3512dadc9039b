package meeting

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ProcessJoinerConfig configures the external-process Joiner. The
// actual browser automation that drives a video-call web client is
// out of scope per spec.md §1's Non-goals (media/browser collaborators
// are external processes, not a Go dependency this repo vendors) — this
// adapter is the process boundary: it shells out to HelperPath once
// per meeting and speaks newline-delimited JSON over its stdin/stdout,
// the same way the teacher's own external-tool collaborators are
// invoked via os/exec rather than embedded as a library.
type ProcessJoinerConfig struct {
	// HelperPath is the executable invoked for each meeting join, e.g.
	// a wrapper script around a headless-browser CLI.
	HelperPath string
	// StartupTimeout bounds how long the helper has to report a
	// successful join before the attempt is abandoned.
	StartupTimeout time.Duration
}

func (c ProcessJoinerConfig) withDefaults() ProcessJoinerConfig {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	return c
}

// ProcessJoiner implements Joiner by allocating devices via a
// DeviceAllocator and spawning a HelperPath subprocess per meeting.
type ProcessJoiner struct {
	cfg      ProcessJoinerConfig
	devices  DeviceAllocator
	logger   *slog.Logger
}

// NewProcessJoiner constructs a ProcessJoiner.
func NewProcessJoiner(cfg ProcessJoinerConfig, devices DeviceAllocator, logger *slog.Logger) *ProcessJoiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessJoiner{cfg: cfg.withDefaults(), devices: devices, logger: logger}
}

// Join implements Joiner: allocates a device triple, launches the
// helper process, and waits for its initial "joined" acknowledgement.
func (j *ProcessJoiner) Join(ctx context.Context, meetURL string) (BrowserCollaborator, string, string, string, error) {
	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	audioSink, audioSource, videoDevice, err := j.devices.Allocate(ctx, sessionID)
	if err != nil {
		return nil, "", "", "", fmt.Errorf("allocate devices: %w", err)
	}

	browser, err := newProcessBrowser(j.cfg, meetURL, audioSink, audioSource, videoDevice, j.logger)
	if err != nil {
		_ = j.ReleaseDevices(ctx, audioSink, audioSource, videoDevice)
		return nil, "", "", "", err
	}

	joinCtx, cancel := context.WithTimeout(ctx, j.cfg.StartupTimeout)
	defer cancel()
	if err := browser.waitJoined(joinCtx); err != nil {
		_ = browser.Leave(ctx)
		_ = j.ReleaseDevices(ctx, audioSink, audioSource, videoDevice)
		return nil, "", "", "", err
	}

	return browser, audioSink, audioSource, videoDevice, nil
}

// ReleaseDevices implements Joiner.
func (j *ProcessJoiner) ReleaseDevices(ctx context.Context, audioSink, audioSource, videoDevice string) error {
	return j.devices.Release(ctx, audioSink+"|"+audioSource+"|"+videoDevice)
}

// helperMessage is one line of the newline-delimited JSON protocol
// spoken with the helper process, in both directions.
type helperMessage struct {
	Cmd          string         `json:"cmd,omitempty"`
	Event        string         `json:"event,omitempty"`
	URL          string         `json:"url,omitempty"`
	AudioSink    string         `json:"audio_sink,omitempty"`
	AudioSource  string         `json:"audio_source,omitempty"`
	VideoDevice  string         `json:"video_device,omitempty"`
	OK           bool           `json:"ok,omitempty"`
	Error        string         `json:"error,omitempty"`
	Participants []Participant  `json:"participants,omitempty"`
	Speaker      string         `json:"speaker,omitempty"`
	Text         string         `json:"text,omitempty"`
	Closed       bool           `json:"closed,omitempty"`
}

// processBrowser implements BrowserCollaborator by exchanging
// helperMessage lines with a running subprocess.
type processBrowser struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu       sync.Mutex
	lines    chan helperMessage
	captions chan CaptionEntry
	closed   bool
}

func newProcessBrowser(cfg ProcessJoinerConfig, meetURL, audioSink, audioSource, videoDevice string, logger *slog.Logger) (*processBrowser, error) {
	cmd := exec.Command(cfg.HelperPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("procjoiner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("procjoiner: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procjoiner: start helper: %w", err)
	}

	pb := &processBrowser{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		lines:    make(chan helperMessage, 16),
		captions: make(chan CaptionEntry, 64),
	}
	go pb.readLoop(stdout)

	if err := pb.send(helperMessage{
		Cmd: "join", URL: meetURL,
		AudioSink: audioSink, AudioSource: audioSource, VideoDevice: videoDevice,
	}); err != nil {
		return nil, err
	}
	return pb, nil
}

func (p *processBrowser) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var msg helperMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			p.logger.Warn("procjoiner: malformed helper line, dropped", "error", err)
			continue
		}
		if msg.Event == "caption" {
			select {
			case p.captions <- CaptionEntry{Speaker: msg.Speaker, Text: msg.Text, At: time.Now()}:
			default:
				p.logger.Warn("procjoiner: caption channel full, dropping entry")
			}
			continue
		}
		select {
		case p.lines <- msg:
		default:
			p.logger.Warn("procjoiner: response channel full, dropping message")
		}
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	close(p.captions)
}

func (p *processBrowser) send(msg helperMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("procjoiner: write to helper: %w", err)
	}
	return nil
}

func (p *processBrowser) waitFor(ctx context.Context, wantCmd string) (helperMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return helperMessage{}, ctx.Err()
		case msg := <-p.lines:
			if msg.Cmd == wantCmd || msg.Cmd == "" {
				if !msg.OK && msg.Error != "" {
					return msg, fmt.Errorf("procjoiner: helper reported error: %s", msg.Error)
				}
				return msg, nil
			}
		}
	}
}

func (p *processBrowser) waitJoined(ctx context.Context) error {
	_, err := p.waitFor(ctx, "join")
	return err
}

// Join is a no-op here: the process-level join already happened during
// construction, so BrowserCollaborator.Join is satisfied trivially to
// fulfill the interface the scheduler's Joiner abstraction composes
// with MeetingInstance, which never calls it directly.
func (p *processBrowser) Join(ctx context.Context, url, audioSink, audioSource, videoDevice string) error {
	return nil
}

// Leave signals the helper to disconnect and tears down the process.
func (p *processBrowser) Leave(ctx context.Context) error {
	_ = p.send(helperMessage{Cmd: "leave"})
	_ = p.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// GetParticipants asks the helper for the current attendee list.
func (p *processBrowser) GetParticipants(ctx context.Context) ([]Participant, error) {
	if err := p.send(helperMessage{Cmd: "participants"}); err != nil {
		return nil, err
	}
	msg, err := p.waitFor(ctx, "participants")
	if err != nil {
		return nil, err
	}
	return msg.Participants, nil
}

// Captions returns the channel the read loop publishes caption
// entries to as the helper emits them.
func (p *processBrowser) Captions(ctx context.Context) (<-chan CaptionEntry, error) {
	return p.captions, nil
}

// Mute sends a mute command to the helper.
func (p *processBrowser) Mute(ctx context.Context) error {
	return p.send(helperMessage{Cmd: "mute"})
}

// Unmute sends an unmute command to the helper.
func (p *processBrowser) Unmute(ctx context.Context) error {
	return p.send(helperMessage{Cmd: "unmute"})
}

// IsClosed reports whether the helper's stdout has ended, which happens
// when the helper process exits. Messages from the helper do not
// change it.
func (p *processBrowser) IsClosed(ctx context.Context) (bool, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return closed, nil
}
