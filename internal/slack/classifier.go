package slack

import "strings"

// Classification is a Slack message author's trust tier, per spec.md
// §4.5's UserClassifier.
type Classification string

const (
	ClassSafe      Classification = "safe"
	ClassConcerned Classification = "concerned"
	ClassUnknown   Classification = "unknown"
)

// Author identifies a Slack message's sender for classification.
type Author struct {
	UserID string
	Handle string
	Email  string
}

// UserClassifier tags message authors using config-driven allow-lists.
// Safe wins over concerned when both match, since auto-reply eligibility
// is the more conservative default to grant.
type UserClassifier struct {
	SafeUserIDs      map[string]bool
	SafeHandles      map[string]bool
	SafeEmailDomains map[string]bool
	ConcernedUserIDs map[string]bool
	ConcernedHandles map[string]bool
}

// NewUserClassifier builds a classifier from raw config lists.
func NewUserClassifier(safeIDs, safeHandles, safeDomains, concernedIDs, concernedHandles []string) *UserClassifier {
	return &UserClassifier{
		SafeUserIDs:      toSet(safeIDs),
		SafeHandles:      toSet(lower(safeHandles)),
		SafeEmailDomains: toSet(lower(safeDomains)),
		ConcernedUserIDs: toSet(concernedIDs),
		ConcernedHandles: toSet(lower(concernedHandles)),
	}
}

// Classify returns the author's trust tier.
func (c *UserClassifier) Classify(a Author) Classification {
	if c.SafeUserIDs[a.UserID] || c.SafeHandles[strings.ToLower(a.Handle)] || c.matchesDomain(a.Email) {
		return ClassSafe
	}
	if c.ConcernedUserIDs[a.UserID] || c.ConcernedHandles[strings.ToLower(a.Handle)] {
		return ClassConcerned
	}
	return ClassUnknown
}

func (c *UserClassifier) matchesDomain(email string) bool {
	if email == "" {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	return c.SafeEmailDomains[strings.ToLower(email[at+1:])]
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		if i != "" {
			m[i] = true
		}
	}
	return m
}

func lower(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Decision is the tagged variant from spec.md §9's design notes: the
// classifier and channel-permission gates together form a small
// decision table evaluated as a pure function over (user, channel,
// message).
type Decision string

const (
	DecisionAutoReply Decision = "auto_reply"
	DecisionQueue     Decision = "queue"
	DecisionIgnore    Decision = "ignore"
)

// MessageContext carries the inputs Decide needs: the author's
// classification, whether the channel allows auto-response, and
// whether the channel is denied outright.
type MessageContext struct {
	Classification Classification
	ChannelAllowsAutoResponse bool
	ChannelDenied             bool
}

// Decide computes the dispatch decision for one message. It is a pure
// function: same inputs always produce the same decision.
func Decide(ctx MessageContext) Decision {
	if ctx.ChannelDenied {
		return DecisionIgnore
	}
	switch ctx.Classification {
	case ClassSafe:
		if ctx.ChannelAllowsAutoResponse {
			return DecisionAutoReply
		}
		return DecisionIgnore
	case ClassConcerned:
		return DecisionQueue
	default:
		return DecisionIgnore
	}
}
