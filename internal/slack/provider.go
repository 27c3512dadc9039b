package slack

import (
	"context"
	"errors"
	"time"
)

// RawMessage is what the MessagingProvider returns for a single
// inbound message, before classification and decision-making.
type RawMessage struct {
	Timestamp    string
	UserID       string
	Text         string
	ThreadParent string
	IsBot        bool
}

// UserInfo is what the provider returns when resolving a user ID.
type UserInfo struct {
	ID        string
	Name      string
	Handle    string
	Email     string
	AvatarURL string
	IsBot     bool
	Deleted   bool
}

// ConversationInfo is what the provider returns when resolving or
// enumerating a channel.
type ConversationInfo struct {
	ID          string
	Name        string
	Purpose     string
	Topic       string
	MemberCount int
	IsDM        bool
}

// RateLimitError signals a provider 429; RetryAfter is the duration the
// caller should wait before the channel/request is retried, per
// spec.md §4.5's "at least the reported retry-after" contract.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "slack: rate limited, retry after " + e.RetryAfter.String()
}

// AsRateLimit reports whether err is (or wraps) a RateLimitError.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// MessagingProvider is the external collaborator SlackListener,
// ApprovalQueue, and BackgroundSync call through — an interface so
// tests can substitute a fake rather than hitting a real workspace.
type MessagingProvider interface {
	FetchMessages(ctx context.Context, channelID, sinceTS string, limit int) ([]RawMessage, error)
	SendMessage(ctx context.Context, channelID, text, threadParent string) error
	ResolveUser(ctx context.Context, userID string) (UserInfo, error)
	ListConversations(ctx context.Context) ([]ConversationInfo, error)
	ConversationInfo(ctx context.Context, channelID string) (ConversationInfo, error)
	ConversationMembers(ctx context.Context, channelID string, limit int) ([]string, error)
	DownloadAvatar(ctx context.Context, url string) ([]byte, error)
}

// ResponseGenerator produces an auto-reply or queued-response body for
// a message. It is the boundary to the LLM responder (internal/llm);
// SlackListener depends only on this interface.
type ResponseGenerator interface {
	Generate(ctx context.Context, msg RawMessage, author UserInfo) (text, intent string, err error)
}

// Notifier dispatches a desktop/alert notification for a concerned
// message, deduplicated by the caller against notified_messages.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}
