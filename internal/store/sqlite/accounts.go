package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tglinks/internal/domain"
)

type accountRow struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	Session        []byte `db:"session"`
	Active         int    `db:"active"`
	DisabledReason string `db:"disabled_reason"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:             r.ID,
		Name:           r.Name,
		Session:        r.Session,
		Active:         r.Active != 0,
		DisabledReason: r.DisabledReason,
		CreatedAt:      time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:      time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

const accountColumns = `id, name, session, active, disabled_reason, created_at, updated_at`

// CreateAccount stores an already validated session under a unique name. New accounts
// are active.
func (s *Store) CreateAccount(ctx context.Context, name string, session []byte) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, errors.New("account name is required")
	}
	if len(session) == 0 {
		return domain.Account{}, errors.New("account session is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM accounts WHERE name = ?`, name); err != nil {
		return domain.Account{}, err
	}
	if exists > 0 {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrAccountExists, name)
	}

	now := s.unixNow()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(name, session, active, disabled_reason, created_at, updated_at)
VALUES(?, ?, 1, '', ?, ?)
`, name, session, now, now); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return s.getAccount(ctx, name)
}

func (s *Store) GetAccount(ctx context.Context, name string) (domain.Account, error) {
	return s.getAccount(ctx, name)
}

func (s *Store) getAccount(ctx context.Context, name string) (domain.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name ASC`)
}

// ListActiveAccounts returns only accounts that ingestion may use.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.listAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active = 1 ORDER BY name ASC`)
}

func (s *Store) listAccounts(ctx context.Context, query string) ([]domain.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DisableAccount soft-disables an account, keeping its session for a later enable.
func (s *Store) DisableAccount(ctx context.Context, name, reason string) error {
	return s.updateAccount(ctx, name, `UPDATE accounts SET active = 0, disabled_reason = ?, updated_at = ? WHERE name = ?`,
		strings.TrimSpace(reason), s.unixNow(), name)
}

func (s *Store) EnableAccount(ctx context.Context, name string) error {
	return s.updateAccount(ctx, name, `UPDATE accounts SET active = 1, disabled_reason = '', updated_at = ? WHERE name = ?`,
		s.unixNow(), name)
}

// DeleteAccount removes the account and its backfill cursors.
func (s *Store) DeleteAccount(ctx context.Context, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_cursors WHERE account = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) LoadAccountSession(ctx context.Context, name string) ([]byte, error) {
	var session []byte
	err := s.db.GetContext(ctx, &session, `SELECT session FROM accounts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return session, err
}

func (s *Store) StoreAccountSession(ctx context.Context, name string, session []byte) error {
	if len(session) == 0 {
		return errors.New("account session is required")
	}
	return s.updateAccount(ctx, name, `UPDATE accounts SET session = ?, updated_at = ? WHERE name = ?`,
		session, s.unixNow(), name)
}

func (s *Store) updateAccount(ctx context.Context, name, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return nil
}

// ScrubAccountSessions blanks every stored session. It is meant for database copies
// that leave the machine, such as backup snapshots.
func (s *Store) ScrubAccountSessions(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET session = x''`)
	return err
}
