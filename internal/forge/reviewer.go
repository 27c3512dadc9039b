package forge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/llm"
)

// ReviewStore is the persistence surface Reviewer needs: has this PR's
// current head commit already been reviewed. Satisfied by
// internal/store.Store.
type ReviewStore interface {
	ReviewedAt(repo string, number int) (headSHA string, ok bool, err error)
	MarkReviewed(repo string, number int, headSHA string) error
}

// ReviewerConfig controls which repos the reviewer polls and how it
// talks to the LLM.
type ReviewerConfig struct {
	// Repositories are "owner/repo" strings (or bare names, resolved
	// against the account's configured Owner) to poll for open PRs.
	Repositories []string
	// Model is the model name passed to llm.Client.Chat.
	Model string
	// MaxDiffBytes truncates large diffs before sending them to the
	// LLM; 0 uses a sane default.
	MaxDiffBytes int
}

func (c ReviewerConfig) withDefaults() ReviewerConfig {
	if c.MaxDiffBytes <= 0 {
		c.MaxDiffBytes = 60_000
	}
	return c
}

// Reviewer drives the code-quality daemon's single responsibility: on
// each tick, list open PRs across the configured repositories, skip
// ones already reviewed at their current head commit, and post one
// review comment generated by the configured LLM.
type Reviewer struct {
	cfg      ReviewerConfig
	registry *Registry
	llmClient llm.Client
	store    ReviewStore
	bus      *events.Bus
	logger   *slog.Logger
}

// NewReviewer constructs a Reviewer. llmClient may be nil, in which
// case Tick lists and logs candidate PRs but posts no review — this is
// the "responder not configured" mode spec.md's Slack daemon also
// supports.
func NewReviewer(cfg ReviewerConfig, registry *Registry, llmClient llm.Client, store ReviewStore, bus *events.Bus, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		llmClient: llmClient,
		store:     store,
		bus:       bus,
		logger:    logger,
	}
}

// Tick runs one poll-review cycle across every configured repository.
// Errors on individual repos/PRs are logged and do not abort the tick
// — one broken repo must not starve the others.
func (r *Reviewer) Tick(ctx context.Context) error {
	for _, repo := range r.cfg.Repositories {
		if err := r.tickRepo(ctx, repo); err != nil {
			r.logger.Error("code-quality tick failed for repo", "repo", repo, "error", err)
		}
	}
	return nil
}

func (r *Reviewer) tickRepo(ctx context.Context, repo string) error {
	provider, acfg, err := r.registry.Account("")
	if err != nil {
		return fmt.Errorf("no forge account configured: %w", err)
	}
	owner, name := r.registry.ResolveRepo(acfg, repo)
	if owner == "" {
		return fmt.Errorf("repo %q has no owner and account has no default owner configured", repo)
	}
	fullRepo := owner + "/" + name

	prs, err := provider.ListPRs(ctx, fullRepo, &ListOptions{State: "open", Limit: 30})
	if err != nil {
		return fmt.Errorf("list PRs for %s: %w", fullRepo, err)
	}

	for _, pr := range prs {
		if err := r.reviewIfStale(ctx, provider, fullRepo, pr); err != nil {
			r.logger.Error("failed to review PR", "repo", fullRepo, "pr", pr.Number, "error", err)
		}
	}
	return nil
}

// reviewIfStale reviews pr unless its head commit was already reviewed
// the last time the reviewer saw it.
func (r *Reviewer) reviewIfStale(ctx context.Context, provider ForgeProvider, repo string, pr *PullRequest) error {
	if pr.Draft {
		return nil
	}

	lastSHA, known, err := r.store.ReviewedAt(repo, pr.Number)
	if err != nil {
		return fmt.Errorf("check review history: %w", err)
	}
	if known && lastSHA == pr.HeadSHA {
		return nil
	}

	if r.llmClient == nil {
		r.logger.Info("code-quality responder not configured, skipping review", "repo", repo, "pr", pr.Number)
		return nil
	}

	diff, err := provider.GetPRDiff(ctx, repo, pr.Number)
	if err != nil {
		return fmt.Errorf("get diff: %w", err)
	}
	if len(diff) > r.cfg.MaxDiffBytes {
		diff = diff[:r.cfg.MaxDiffBytes] + "\n... (diff truncated)"
	}

	body, err := r.generateReview(ctx, pr, diff)
	if err != nil {
		return fmt.Errorf("generate review: %w", err)
	}
	if strings.TrimSpace(body) == "" {
		r.logger.Info("LLM returned empty review, skipping post", "repo", repo, "pr", pr.Number)
		return r.store.MarkReviewed(repo, pr.Number, pr.HeadSHA)
	}

	if _, err := provider.SubmitReview(ctx, repo, pr.Number, &ReviewSubmission{
		Event: "COMMENT",
		Body:  body,
	}); err != nil {
		return fmt.Errorf("submit review: %w", err)
	}

	if err := r.store.MarkReviewed(repo, pr.Number, pr.HeadSHA); err != nil {
		return fmt.Errorf("record review: %w", err)
	}

	r.logger.Info("posted code-quality review", "repo", repo, "pr", pr.Number)
	r.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceForge,
		Kind:      events.KindReviewPosted,
		Data:      map[string]any{"repo": repo, "pr": pr.Number, "title": pr.Title},
	})
	return nil
}

const reviewSystemPrompt = `You are an automated code reviewer. You will be given a pull request's title, description, and unified diff. Write a short, specific review comment focused on correctness, security, and maintainability issues actually visible in the diff. Do not restate what the diff does. If you find nothing worth flagging, respond with exactly "LGTM" and nothing else. Keep the review under 300 words.`

func (r *Reviewer) generateReview(ctx context.Context, pr *PullRequest, diff string) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: reviewSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Title: %s\n\nDescription:\n%s\n\nDiff:\n%s", pr.Title, pr.Body, diff)},
	}

	resp, err := r.llmClient.Chat(ctx, r.cfg.Model, messages, nil)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "LGTM" {
		return "", nil
	}
	return text, nil
}
