package store

import "database/sql"

// ReviewedAt returns the head SHA last reviewed for repo/number and
// whether a review has been recorded at all. An empty headSHA with
// ok=true means the PR was reviewed but the recorded SHA predates this
// column (never happens in practice; kept defensive).
func (s *Store) ReviewedAt(repo string, number int) (headSHA string, ok bool, err error) {
	err = s.db.QueryRow(
		`SELECT head_sha FROM forge_reviewed_prs WHERE repo = ? AND pr_number = ?`,
		repo, number,
	).Scan(&headSHA)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return headSHA, true, nil
}

// MarkReviewed records that repo/number was reviewed at headSHA, so a
// later poll tick that sees the same head commit skips it. Reviewing a
// new commit on the same PR overwrites the row.
func (s *Store) MarkReviewed(repo string, number int, headSHA string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO forge_reviewed_prs (repo, pr_number, head_sha, reviewed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo, pr_number) DO UPDATE SET
			head_sha = excluded.head_sha,
			reviewed_at = excluded.reviewed_at`,
		repo, number, headSHA, nowRFC3339(),
	)
	return err
}
