package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CachedChannel mirrors spec.md §4's discovery cache: no foreign keys,
// bulk replace semantics, upsert-by-ID.
type CachedChannel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Purpose     string `json:"purpose"`
	Topic       string `json:"topic"`
	MemberCount int    `json:"member_count"`
}

// CachedUser mirrors the user discovery cache.
type CachedUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"handle"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	IsBot     bool   `json:"is_bot"`
}

// CachedGroup mirrors the group discovery cache. Members is an ordered
// list of user IDs, persisted as a serialized JSON blob per spec.md §4.
type CachedGroup struct {
	ID      string   `json:"id"`
	Handle  string   `json:"handle"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// CacheChannels upserts all rows in a single transaction, per spec.md
// §4.4's "single transaction per bulk call" contract.
func (s *Store) CacheChannels(channels []CachedChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO cached_channels (id, name, purpose, topic, member_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, purpose = excluded.purpose, topic = excluded.topic,
				member_count = excluded.member_count, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := nowRFC3339()
		for _, c := range channels {
			if _, err := stmt.Exec(c.ID, c.Name, c.Purpose, c.Topic, c.MemberCount, now); err != nil {
				return fmt.Errorf("upsert channel %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// CacheUsers upserts all rows in a single transaction.
func (s *Store) CacheUsers(users []CachedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO cached_users (id, name, handle, email, avatar_url, is_bot, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, handle = excluded.handle, email = excluded.email,
				avatar_url = excluded.avatar_url, is_bot = excluded.is_bot, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := nowRFC3339()
		for _, u := range users {
			if _, err := stmt.Exec(u.ID, u.Name, u.Handle, u.Email, u.AvatarURL, boolToInt(u.IsBot), now); err != nil {
				return fmt.Errorf("upsert user %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// CacheGroups upserts all rows in a single transaction.
func (s *Store) CacheGroups(groups []CachedGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO cached_groups (id, handle, name, members, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				handle = excluded.handle, name = excluded.name, members = excluded.members,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := nowRFC3339()
		for _, g := range groups {
			members, err := json.Marshal(g.Members)
			if err != nil {
				return fmt.Errorf("marshal members for group %s: %w", g.ID, err)
			}
			if _, err := stmt.Exec(g.ID, g.Handle, g.Name, string(members), now); err != nil {
				return fmt.Errorf("upsert group %s: %w", g.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(f func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Channel looks up a cached channel by exact ID.
func (s *Store) Channel(id string) (CachedChannel, bool, error) {
	var c CachedChannel
	err := s.db.QueryRow(`SELECT id, name, purpose, topic, member_count FROM cached_channels WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Purpose, &c.Topic, &c.MemberCount)
	if err == sql.ErrNoRows {
		return CachedChannel{}, false, nil
	}
	return c, err == nil, err
}

// User looks up a cached user by exact ID.
func (s *Store) User(id string) (CachedUser, bool, error) {
	var u CachedUser
	var isBot int
	err := s.db.QueryRow(`SELECT id, name, handle, email, avatar_url, is_bot FROM cached_users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Handle, &u.Email, &u.AvatarURL, &isBot)
	if err == sql.ErrNoRows {
		return CachedUser{}, false, nil
	}
	u.IsBot = isBot != 0
	return u, err == nil, err
}

// UsersWithAvatars returns every cached user with a non-empty avatar
// URL, for BackgroundSync's photo sweep.
func (s *Store) UsersWithAvatars() ([]CachedUser, error) {
	rows, err := s.db.Query(`SELECT id, name, handle, email, avatar_url, is_bot FROM cached_users WHERE avatar_url != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedUser
	for rows.Next() {
		var u CachedUser
		var isBot int
		if err := rows.Scan(&u.ID, &u.Name, &u.Handle, &u.Email, &u.AvatarURL, &isBot); err != nil {
			return nil, err
		}
		u.IsBot = isBot != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// ChannelsByPrefix performs a case-insensitive prefix/substring search
// over cached channel names, returning up to limit matches.
func (s *Store) ChannelsByPrefix(prefix string, limit int) ([]CachedChannel, error) {
	rows, err := s.db.Query(
		`SELECT id, name, purpose, topic, member_count FROM cached_channels
		 WHERE name LIKE ? ESCAPE '\' COLLATE NOCASE ORDER BY name LIMIT ?`,
		likePattern(prefix)+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedChannel
	for rows.Next() {
		var c CachedChannel
		if err := rows.Scan(&c.ID, &c.Name, &c.Purpose, &c.Topic, &c.MemberCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UsersByPrefix performs a case-insensitive prefix/substring search
// over cached user names and handles.
func (s *Store) UsersByPrefix(prefix string, limit int) ([]CachedUser, error) {
	pat := likePattern(prefix) + "%"
	rows, err := s.db.Query(
		`SELECT id, name, handle, email, avatar_url, is_bot FROM cached_users
		 WHERE name LIKE ? ESCAPE '\' COLLATE NOCASE OR handle LIKE ? ESCAPE '\' COLLATE NOCASE
		 ORDER BY name LIMIT ?`,
		pat, pat, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedUser
	for rows.Next() {
		var u CachedUser
		var isBot int
		if err := rows.Scan(&u.ID, &u.Name, &u.Handle, &u.Email, &u.AvatarURL, &isBot); err != nil {
			return nil, err
		}
		u.IsBot = isBot != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func likePattern(s string) string {
	r := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}

// allChannelNames and allUserNames back the fuzzy matcher in resolve.go.
func (s *Store) allChannelNames() ([]CachedChannel, error) {
	rows, err := s.db.Query(`SELECT id, name, purpose, topic, member_count FROM cached_channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedChannel
	for rows.Next() {
		var c CachedChannel
		if err := rows.Scan(&c.ID, &c.Name, &c.Purpose, &c.Topic, &c.MemberCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) allUsers() ([]CachedUser, error) {
	rows, err := s.db.Query(`SELECT id, name, handle, email, avatar_url, is_bot FROM cached_users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedUser
	for rows.Next() {
		var u CachedUser
		var isBot int
		if err := rows.Scan(&u.ID, &u.Name, &u.Handle, &u.Email, &u.AvatarURL, &isBot); err != nil {
			return nil, err
		}
		u.IsBot = isBot != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) groupByHandle(handle string) (CachedGroup, bool, error) {
	row := s.db.QueryRow(`SELECT id, handle, name, members FROM cached_groups WHERE handle = ? COLLATE NOCASE`, handle)
	var g CachedGroup
	var members string
	if err := row.Scan(&g.ID, &g.Handle, &g.Name, &members); err != nil {
		if err == sql.ErrNoRows {
			return CachedGroup{}, false, nil
		}
		return CachedGroup{}, false, err
	}
	_ = json.Unmarshal([]byte(members), &g.Members)
	return g, true, nil
}
