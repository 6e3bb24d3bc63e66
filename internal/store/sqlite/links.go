package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tglinks/internal/domain"
	"tglinks/internal/search"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type linkRow struct {
	ID            int64  `db:"id"`
	URL           string `db:"url"`
	Platform      string `db:"platform"`
	ChatType      string `db:"chat_type"`
	SourceAccount string `db:"source_account"`
	ChatID        string `db:"chat_id"`
	MessageID     int64  `db:"message_id"`
	MessageDate   int64  `db:"message_date"`
	Year          int    `db:"year"`
	CreatedAt     int64  `db:"created_at"`
}

func (r linkRow) toDomain() domain.Link {
	return domain.Link{
		ID:            r.ID,
		URL:           r.URL,
		Platform:      domain.Platform(r.Platform),
		ChatType:      domain.ChatType(r.ChatType),
		SourceAccount: r.SourceAccount,
		ChatID:        r.ChatID,
		MessageID:     r.MessageID,
		MessageDate:   time.Unix(r.MessageDate, 0).UTC(),
		Year:          r.Year,
		CreatedAt:     time.Unix(r.CreatedAt, 0).UTC(),
	}
}

const linkColumns = `id, url, platform, chat_type, source_account, chat_id, message_id, message_date, year, created_at`

// SaveLink inserts link unless its URL is already stored. isNew is true only for the
// call that actually inserted the row.
func (s *Store) SaveLink(ctx context.Context, link domain.Link) (bool, error) {
	link.URL = strings.TrimSpace(link.URL)
	if link.URL == "" {
		return false, errors.New("link url is required")
	}
	if link.Platform == "" || link.ChatType == "" {
		return false, errors.New("link platform and chat type are required")
	}
	if link.MessageDate.IsZero() {
		link.MessageDate = s.now()
	}
	date := link.MessageDate.UTC()
	if link.Year == 0 {
		link.Year = date.Year()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO links(url, platform, chat_type, source_account, chat_id, message_id, message_date, year, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO NOTHING
`, link.URL, string(link.Platform), string(link.ChatType), link.SourceAccount, link.ChatID,
		link.MessageID, date.Unix(), link.Year, s.unixNow())
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Years lists the distinct years with stored links, newest first. An empty platform
// covers all platforms.
func (s *Store) Years(ctx context.Context, platform domain.Platform) ([]int, error) {
	where, args := filterClause(domain.LinkFilter{Platform: platform})
	var years []int
	err := s.db.SelectContext(ctx, &years, `SELECT DISTINCT year FROM links`+where+` ORDER BY year DESC`, args...)
	return years, err
}

func (s *Store) CountLinks(ctx context.Context, filter domain.LinkFilter) (int, error) {
	where, args := filterClause(filter)
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM links`+where, args...)
	return count, err
}

// ListLinks returns matching links newest first.
func (s *Store) ListLinks(ctx context.Context, filter domain.LinkFilter) ([]domain.Link, error) {
	where, args := filterClause(filter)
	limit, offset := pageBounds(filter)
	args = append(args, limit, offset)

	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+linkColumns+` FROM links`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`, args...); err != nil {
		return nil, err
	}
	return toLinks(rows), nil
}

// ExportURLs returns every matching URL in insertion order, ignoring paging.
func (s *Store) ExportURLs(ctx context.Context, filter domain.LinkFilter) ([]string, error) {
	where, args := filterClause(filter)
	var urls []string
	err := s.db.SelectContext(ctx, &urls, `SELECT url FROM links`+where+` ORDER BY id ASC`, args...)
	return urls, err
}

func (s *Store) CountByPlatform(ctx context.Context) ([]domain.PlatformCount, error) {
	var counts []domain.PlatformCount
	err := s.db.SelectContext(ctx, &counts, `
SELECT platform, COUNT(1) AS count
FROM links
GROUP BY platform
ORDER BY count DESC, platform ASC
`)
	return counts, err
}

// SearchLinks matches stored URLs against a parsed query, newest first.
func (s *Store) SearchLinks(ctx context.Context, q search.Query, limit int) ([]domain.Link, error) {
	filter := domain.LinkFilter{Platform: q.Platform, ChatType: q.ChatType, Limit: limit}
	if q.Match == "" {
		return s.ListLinks(ctx, filter)
	}
	limit, _ = pageBounds(filter)

	var (
		clauses = []string{`fts_links MATCH ?`}
		args    = []any{q.Match}
	)
	if q.Platform != "" {
		clauses = append(clauses, `l.platform = ?`)
		args = append(args, string(q.Platform))
	}
	if q.ChatType != "" {
		clauses = append(clauses, `l.chat_type = ?`)
		args = append(args, string(q.ChatType))
	}
	args = append(args, limit)

	var rows []linkRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT l.id, l.url, l.platform, l.chat_type, l.source_account, l.chat_id, l.message_id, l.message_date, l.year, l.created_at
FROM fts_links
JOIN links l ON l.id = fts_links.rowid
WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY l.id DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, fmt.Errorf("search links: %w", err)
	}
	return toLinks(rows), nil
}

func filterClause(filter domain.LinkFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Platform != "" {
		clauses = append(clauses, `platform = ?`)
		args = append(args, string(filter.Platform))
	}
	if filter.ChatType != "" {
		clauses = append(clauses, `chat_type = ?`)
		args = append(args, string(filter.ChatType))
	}
	if filter.Year > 0 {
		clauses = append(clauses, `year = ?`)
		args = append(args, filter.Year)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}

func pageBounds(filter domain.LinkFilter) (int, int) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func toLinks(rows []linkRow) []domain.Link {
	out := make([]domain.Link, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
