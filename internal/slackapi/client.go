// Package slackapi implements internal/slack.MessagingProvider against
// the real Slack Web API over HTTPS, in the same stdlib-http style
// internal/llm uses for its provider clients.
package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/botfleet/internal/httpkit"
	"github.com/nugget/botfleet/internal/slack"
)

const baseURL = "https://slack.com/api"

// Client implements slack.MessagingProvider against the Slack Web API.
type Client struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a Client authenticated with a bot token.
func New(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:  token,
		logger: logger.With("provider", "slack"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

type apiError struct {
	method string
	code   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("slack: %s failed: %s", e.method, e.code)
}

type apiEnvelope struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error"`
	Warning  string          `json:"warning"`
	Metadata json.RawMessage `json:"response_metadata"`
}

func (c *Client) call(ctx context.Context, method string, values url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/"+method, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &slack.RateLimitError{RetryAfter: retryAfter}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("slack: %s read body: %w", method, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("slack: %s decode envelope: %w", method, err)
	}
	if !env.OK {
		return &apiError{method: method, code: env.Error}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("slack: %s decode body: %w", method, err)
		}
	}
	return nil
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type historyMessage struct {
	Ts      string `json:"ts"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	ThreadTs string `json:"thread_ts"`
}

// FetchMessages implements slack.MessagingProvider.
func (c *Client) FetchMessages(ctx context.Context, channelID, sinceTS string, limit int) ([]slack.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	values := url.Values{
		"channel": {channelID},
		"oldest":  {sinceTS},
		"limit":   {strconv.Itoa(limit)},
	}

	var resp historyResponse
	if err := c.call(ctx, "conversations.history", values, &resp); err != nil {
		return nil, err
	}

	// conversations.history lists newest first; return oldest first.
	out := make([]slack.RawMessage, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		out = append(out, slack.RawMessage{
			Timestamp:    m.Ts,
			UserID:       m.User,
			Text:         m.Text,
			ThreadParent: m.ThreadTs,
			IsBot:        m.BotID != "",
		})
	}
	return out, nil
}

// SendMessage implements slack.MessagingProvider.
func (c *Client) SendMessage(ctx context.Context, channelID, text, threadParent string) error {
	values := url.Values{
		"channel": {channelID},
		"text":    {text},
	}
	if threadParent != "" {
		values.Set("thread_ts", threadParent)
	}
	return c.call(ctx, "chat.postMessage", values, nil)
}

type userInfoResponse struct {
	User struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Deleted bool   `json:"deleted"`
		IsBot   bool   `json:"is_bot"`
		Profile struct {
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
			ImageOrig   string `json:"image_original"`
			Image192    string `json:"image_192"`
		} `json:"profile"`
	} `json:"user"`
}

// ResolveUser implements slack.MessagingProvider.
func (c *Client) ResolveUser(ctx context.Context, userID string) (slack.UserInfo, error) {
	var resp userInfoResponse
	if err := c.call(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		return slack.UserInfo{}, err
	}

	avatar := resp.User.Profile.ImageOrig
	if avatar == "" {
		avatar = resp.User.Profile.Image192
	}
	handle := resp.User.Profile.DisplayName
	if handle == "" {
		handle = resp.User.Name
	}

	return slack.UserInfo{
		ID:        resp.User.ID,
		Name:      resp.User.Name,
		Handle:    handle,
		Email:     resp.User.Profile.Email,
		AvatarURL: avatar,
		IsBot:     resp.User.IsBot,
		Deleted:   resp.User.Deleted,
	}, nil
}

type conversationsListResponse struct {
	Channels []conversationPayload `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type conversationPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Purpose      struct{ Value string `json:"value"` } `json:"purpose"`
	Topic        struct{ Value string `json:"value"` } `json:"topic"`
	NumMembers   int  `json:"num_members"`
	IsIM         bool `json:"is_im"`
	IsMpim       bool `json:"is_mpim"`
}

func (p conversationPayload) toInfo() slack.ConversationInfo {
	return slack.ConversationInfo{
		ID:          p.ID,
		Name:        p.Name,
		Purpose:     p.Purpose.Value,
		Topic:       p.Topic.Value,
		MemberCount: p.NumMembers,
		IsDM:        p.IsIM || p.IsMpim,
	}
}

// ListConversations implements slack.MessagingProvider, paging through
// every conversation the bot is a member of.
func (c *Client) ListConversations(ctx context.Context) ([]slack.ConversationInfo, error) {
	var out []slack.ConversationInfo
	cursor := ""
	for {
		values := url.Values{
			"types": {"public_channel,private_channel,mpim,im"},
			"limit": {"200"},
		}
		if cursor != "" {
			values.Set("cursor", cursor)
		}

		var resp conversationsListResponse
		if err := c.call(ctx, "conversations.list", values, &resp); err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			out = append(out, ch.toInfo())
		}

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

type conversationInfoResponse struct {
	Channel conversationPayload `json:"channel"`
}

// ConversationInfo implements slack.MessagingProvider.
func (c *Client) ConversationInfo(ctx context.Context, channelID string) (slack.ConversationInfo, error) {
	var resp conversationInfoResponse
	if err := c.call(ctx, "conversations.info", url.Values{"channel": {channelID}}, &resp); err != nil {
		return slack.ConversationInfo{}, err
	}
	return resp.Channel.toInfo(), nil
}

type conversationMembersResponse struct {
	Members []string `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ConversationMembers implements slack.MessagingProvider.
func (c *Client) ConversationMembers(ctx context.Context, channelID string, limit int) ([]string, error) {
	var out []string
	cursor := ""
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		values := url.Values{"channel": {channelID}, "limit": {"200"}}
		if cursor != "" {
			values.Set("cursor", cursor)
		}

		var resp conversationMembersResponse
		if err := c.call(ctx, "conversations.members", values, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Members...)

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DownloadAvatar implements slack.MessagingProvider. Slack avatar URLs
// are pre-signed CDN links and need the same bearer token workspace
// files do, so this goes through a plain authenticated GET rather than
// the Web API method envelope.
func (c *Client) DownloadAvatar(ctx context.Context, avatarURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: download avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack: download avatar: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Ping verifies the token against auth.test, mirroring internal/llm's
// Client.Ping contract for connwatch probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "auth.test", url.Values{}, nil)
}
