package store

import (
	"database/sql"
	"errors"
	"strings"
)

// ResolvedTarget is ResolveTarget's canonical result, per spec.md §4.4.
type ResolvedTarget struct {
	Type   string `json:"type"` // "channel", "user", "group", "unknown"
	ID     string `json:"id"`
	Name   string `json:"name"`
	Found  bool   `json:"found"`
	Source string `json:"source"` // which resolution path matched
}

// ResolveTarget canonicalizes an arbitrary reference string against the
// discovery caches:
//
//	#name  -> channel, exact-or-case-insensitive lookup
//	@name  -> groups by handle first, then users by any name field
//	bare   -> channel first, then user
//
// Raw IDs (matching the provider's own ID shape) resolve directly
// against the matching table without a name lookup.
func (s *Store) ResolveTarget(ref string) (ResolvedTarget, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ResolvedTarget{Type: "unknown", Found: false, Source: "empty"}, nil
	}

	if looksLikeChannelID(ref) {
		if c, ok, err := s.Channel(ref); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "channel", ID: c.ID, Name: c.Name, Found: true, Source: "id"}, nil
		}
	}
	if looksLikeUserID(ref) {
		if u, ok, err := s.User(ref); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "id"}, nil
		}
	}

	switch {
	case strings.HasPrefix(ref, "#"):
		name := ref[1:]
		if c, ok, err := s.channelByName(name); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "channel", ID: c.ID, Name: c.Name, Found: true, Source: "channel_name"}, nil
		}
		return ResolvedTarget{Type: "unknown", Name: name, Found: false, Source: "channel_name"}, nil

	case strings.HasPrefix(ref, "@"):
		name := ref[1:]
		if g, ok, err := s.groupByHandle(name); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "group", ID: g.ID, Name: g.Name, Found: true, Source: "group_handle"}, nil
		}
		if u, ok, err := s.userByAnyName(name); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "user_name"}, nil
		}
		return ResolvedTarget{Type: "unknown", Name: name, Found: false, Source: "user_name"}, nil

	default:
		if c, ok, err := s.channelByName(ref); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "channel", ID: c.ID, Name: c.Name, Found: true, Source: "channel_name"}, nil
		}
		if u, ok, err := s.userByAnyName(ref); err != nil {
			return ResolvedTarget{}, err
		} else if ok {
			return ResolvedTarget{Type: "user", ID: u.ID, Name: u.Name, Found: true, Source: "user_name"}, nil
		}
		return ResolvedTarget{Type: "unknown", Name: ref, Found: false, Source: "bare"}, nil
	}
}

func looksLikeChannelID(ref string) bool {
	return strings.HasPrefix(ref, "C") || strings.HasPrefix(ref, "D") || strings.HasPrefix(ref, "G")
}

func looksLikeUserID(ref string) bool {
	return strings.HasPrefix(ref, "U") || strings.HasPrefix(ref, "W")
}

func (s *Store) channelByName(name string) (CachedChannel, bool, error) {
	row := s.db.QueryRow(`SELECT id, name, purpose, topic, member_count FROM cached_channels WHERE name = ? COLLATE NOCASE`, name)
	var c CachedChannel
	if err := row.Scan(&c.ID, &c.Name, &c.Purpose, &c.Topic, &c.MemberCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedChannel{}, false, nil
		}
		return CachedChannel{}, false, err
	}
	return c, true, nil
}

func (s *Store) userByAnyName(name string) (CachedUser, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, name, handle, email, avatar_url, is_bot FROM cached_users
		 WHERE name = ? COLLATE NOCASE OR handle = ? COLLATE NOCASE LIMIT 1`,
		name, name,
	)
	var u CachedUser
	var isBot int
	if err := row.Scan(&u.ID, &u.Name, &u.Handle, &u.Email, &u.AvatarURL, &isBot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedUser{}, false, nil
		}
		return CachedUser{}, false, err
	}
	u.IsBot = isBot != 0
	return u, true, nil
}

// FuzzyMatch is one scored candidate from FuzzyChannels/FuzzyUsers.
type FuzzyMatch struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

const defaultFuzzyThreshold = 0.7

// FuzzyChannels returns up to limit channels whose name scores above
// threshold (0 uses the default 0.7) against query, using a
// longest-common-subsequence ratio, best match first.
func (s *Store) FuzzyChannels(query string, threshold float64, limit int) ([]FuzzyMatch, error) {
	channels, err := s.allChannelNames()
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = defaultFuzzyThreshold
	}
	var matches []FuzzyMatch
	for _, c := range channels {
		score := lcsRatio(query, c.Name)
		if score >= threshold {
			matches = append(matches, FuzzyMatch{ID: c.ID, Name: c.Name, Score: score})
		}
	}
	return topMatches(matches, limit), nil
}

// FuzzyUsers returns up to limit users whose display name or handle
// scores above threshold against query.
func (s *Store) FuzzyUsers(query string, threshold float64, limit int) ([]FuzzyMatch, error) {
	users, err := s.allUsers()
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = defaultFuzzyThreshold
	}
	var matches []FuzzyMatch
	for _, u := range users {
		score := lcsRatio(query, u.Name)
		if hs := lcsRatio(query, u.Handle); hs > score {
			score = hs
		}
		if score >= threshold {
			matches = append(matches, FuzzyMatch{ID: u.ID, Name: u.Name, Score: score})
		}
	}
	return topMatches(matches, limit), nil
}

func topMatches(matches []FuzzyMatch, limit int) []FuzzyMatch {
	// Simple insertion sort: candidate lists are small (per-daemon
	// cache sizes), so an O(n^2) sort needs no extra import.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// lcsRatio scores how similar a and b are as
// 2*lcsLen(a,b) / (len(a)+len(b)), the standard longest-common-
// subsequence similarity ratio used for case-insensitive fuzzy name
// matching. Comparison is case-insensitive; empty inputs score 0.
func lcsRatio(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcsLen := prev[len(b)]
	return 2 * float64(lcsLen) / float64(len(a)+len(b))
}
