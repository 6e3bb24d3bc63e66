package sqlite

import (
	"context"
	"fmt"

	"tglinks/internal/domain"
)

// UpsertAdminTarget sets where an admin receives notifications for one platform,
// replacing any previous target for the same pair.
func (s *Store) UpsertAdminTarget(ctx context.Context, target domain.AdminTarget) error {
	if target.AdminID == 0 || target.TargetChat == 0 {
		return fmt.Errorf("admin id and target chat are required")
	}
	if _, ok := domain.ParsePlatform(string(target.Platform)); !ok {
		return fmt.Errorf("unknown platform %q", target.Platform)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO admin_targets(admin_id, platform, target_chat) VALUES(?, ?, ?)
ON CONFLICT(admin_id, platform) DO UPDATE SET target_chat = excluded.target_chat
`, target.AdminID, string(target.Platform), target.TargetChat)
	return err
}

func (s *Store) AdminTargetsFor(ctx context.Context, platform domain.Platform) ([]domain.AdminTarget, error) {
	var targets []domain.AdminTarget
	err := s.db.SelectContext(ctx, &targets, `
SELECT admin_id, platform, target_chat FROM admin_targets WHERE platform = ? ORDER BY admin_id ASC
`, string(platform))
	return targets, err
}

func (s *Store) ListAdminTargets(ctx context.Context) ([]domain.AdminTarget, error) {
	var targets []domain.AdminTarget
	err := s.db.SelectContext(ctx, &targets, `
SELECT admin_id, platform, target_chat FROM admin_targets ORDER BY admin_id ASC, platform ASC
`)
	return targets, err
}

func (s *Store) DeleteAdminTarget(ctx context.Context, adminID int64, platform domain.Platform) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM admin_targets WHERE admin_id = ? AND platform = ?`, adminID, string(platform))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("admin target %d/%s: %w", adminID, platform, ErrNotFound)
	}
	return nil
}

// ChatCursor returns the last processed message id for an account's chat, or 0.
func (s *Store) ChatCursor(ctx context.Context, account, chatID string) (int64, error) {
	var last []int64
	if err := s.db.SelectContext(ctx, &last, `
SELECT last_message_id FROM chat_cursors WHERE account = ? AND chat_id = ?
`, account, chatID); err != nil {
		return 0, err
	}
	if len(last) == 0 {
		return 0, nil
	}
	return last[0], nil
}

// SaveChatCursor records progress. The cursor never moves backwards.
func (s *Store) SaveChatCursor(ctx context.Context, account, chatID string, lastMessageID int64) error {
	if lastMessageID <= 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_cursors(account, chat_id, last_message_id, updated_at) VALUES(?, ?, ?, ?)
ON CONFLICT(account, chat_id) DO UPDATE SET
	last_message_id = MAX(chat_cursors.last_message_id, excluded.last_message_id),
	updated_at = excluded.updated_at
`, account, chatID, lastMessageID, s.unixNow())
	return err
}
