package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/session"

	"tglinks/internal/store/sqlite"
)

// AccountSessionStorage implements session.Storage on top of the account table, so the
// client can refresh salts and keys while it runs.
//
// On load, it validates that the stored value is JSON and falls back to
// session.ErrNotFound otherwise.
type AccountSessionStorage struct {
	Store   SessionStore
	Account string
	mux     sync.Mutex
}

func (s *AccountSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := s.Store.LoadAccountSession(ctx, s.Account)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, session.ErrNotFound
	}
	return data, nil
}

func (s *AccountSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.Store.StoreAccountSession(ctx, s.Account, data)
}

// MemorySessionStorage holds a session that is not persisted yet: one being validated
// before an account is created, or one produced by a login.
type MemorySessionStorage struct {
	mux  sync.Mutex
	data []byte
}

func (m *MemorySessionStorage) LoadSession(context.Context) ([]byte, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if len(m.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemorySessionStorage) StoreSession(_ context.Context, data []byte) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemorySessionStorage) Bytes() []byte {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]byte(nil), m.data...)
}

// parseSessionString accepts either a native JSON session or a Telethon string session
// and returns storage primed with it.
func parseSessionString(ctx context.Context, raw string) (*MemorySessionStorage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("session string is empty")
	}
	storage := &MemorySessionStorage{}
	if json.Valid([]byte(raw)) {
		if err := storage.StoreSession(ctx, []byte(raw)); err != nil {
			return nil, err
		}
		return storage, nil
	}

	data, err := session.TelethonSession(raw)
	if err != nil {
		return nil, fmt.Errorf("decode string session: %w", err)
	}
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("convert string session: %w", err)
	}
	return storage, nil
}
