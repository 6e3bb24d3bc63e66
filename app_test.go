package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tglinks/internal/config"
	"tglinks/internal/domain"
	"tglinks/internal/ingest"
	"tglinks/internal/store/sqlite"
	"tglinks/internal/telegram"
)

type fakeTelegram struct {
	session     []byte
	who         telegram.Identity
	validateErr error
	history     []domain.Message

	listenOnce sync.Once
	listening  chan struct{}
}

func (f *fakeTelegram) ValidateSession(context.Context, string) ([]byte, telegram.Identity, error) {
	return f.session, f.who, f.validateErr
}

func (f *fakeTelegram) LoginQR(ctx context.Context, show func(telegram.QRToken) error, password func(context.Context) (string, error)) ([]byte, telegram.Identity, error) {
	if err := show(telegram.QRToken{URL: "tg://login?token=abc", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		return nil, telegram.Identity{}, err
	}
	if _, err := password(ctx); err != nil {
		return nil, telegram.Identity{}, err
	}
	return f.session, f.who, nil
}

func (f *fakeTelegram) Backfill(ctx context.Context, account domain.Account, handle ingest.Handler) error {
	for _, msg := range f.history {
		msg.Account = account.Name
		if err := handle(ctx, msg, nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTelegram) Listen(ctx context.Context, _ domain.Account, _ ingest.Handler) error {
	f.listenOnce.Do(func() { close(f.listening) })
	<-ctx.Done()
	return ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		Telegram: config.TelegramConfig{APIID: 1, APIHash: "hash", HistoryBatchSize: 100},
		Collection: config.CollectionConfig{
			WhatsAppLookback: ingest.DefaultWhatsAppLookback,
			MaxFileSize:      1 << 20,
		},
		Backup: config.BackupConfig{Keep: 2, Schedule: "0 3 * * *"},
		Log:    config.LogConfig{Level: "info", Format: "text"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, tg *fakeTelegram) *App {
	t.Helper()
	log, _ := test.NewNullLogger()
	app, err := newApp(cfg, log, tg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestAppAddAccount(t *testing.T) {
	ctx := context.Background()
	tg := &fakeTelegram{session: []byte("session-bytes"), who: telegram.Identity{UserID: 7, Display: "@alice"}}
	app := newTestApp(t, testConfig(t), tg)

	account, who, err := app.AddAccount(ctx, " alpha ", "1AbC")
	require.NoError(t, err)
	assert.Equal(t, "alpha", account.Name)
	assert.True(t, account.Active)
	assert.Equal(t, "@alice", who.Display)

	_, _, err = app.AddAccount(ctx, "alpha", "1AbC")
	assert.ErrorIs(t, err, sqlite.ErrAccountExists)

	_, _, err = app.AddAccount(ctx, "bad name!", "1AbC")
	assert.ErrorIs(t, err, ErrInvalidAccountName)

	tg.validateErr = domain.ErrUnauthorized
	_, _, err = app.AddAccount(ctx, "beta", "1AbC")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	accounts, err := app.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "alpha", accounts[0].Name)
}

func TestAppAddAccountRequiresTelegramCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.APIID = 0
	app := newTestApp(t, cfg, &fakeTelegram{})

	_, _, err := app.AddAccount(context.Background(), "alpha", "1AbC")
	assert.ErrorIs(t, err, config.ErrTelegramNotConfigured)
}

func TestAppLoginAccount(t *testing.T) {
	tg := &fakeTelegram{session: []byte("qr-session"), who: telegram.Identity{UserID: 9, Display: "Bob"}}
	app := newTestApp(t, testConfig(t), tg)

	var shown string
	account, _, err := app.LoginAccount(context.Background(), "bob",
		func(tok telegram.QRToken) error { shown = tok.URL; return nil },
		func(context.Context) (string, error) { return "secret", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "bob", account.Name)
	assert.Equal(t, "tg://login?token=abc", shown)

	boom := errors.New("no camera")
	_, _, err = app.LoginAccount(context.Background(), "carol",
		func(telegram.QRToken) error { return boom },
		func(context.Context) (string, error) { return "", nil },
	)
	assert.ErrorIs(t, err, boom)
}

func TestAppAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, testConfig(t), &fakeTelegram{session: []byte("s")})
	_, _, err := app.AddAccount(ctx, "alpha", "1AbC")
	require.NoError(t, err)

	require.NoError(t, app.DisableAccount(ctx, "alpha", ""))
	accounts, err := app.ListAccounts(ctx)
	require.NoError(t, err)
	assert.False(t, accounts[0].Active)
	assert.Equal(t, "disabled by operator", accounts[0].DisabledReason)

	require.NoError(t, app.EnableAccount(ctx, "alpha"))
	require.NoError(t, app.DeleteAccount(ctx, "alpha"))
	accounts, err = app.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestAppRunCollectsUntilCanceled(t *testing.T) {
	now := time.Now().UTC()
	tg := &fakeTelegram{
		session:   []byte("s"),
		listening: make(chan struct{}),
		history: []domain.Message{
			{ChatID: "-1001", MsgID: 1, Date: now, Text: "join https://t.me/somechannel"},
			{ChatID: "-1001", MsgID: 2, Date: now, Text: "and chat.whatsapp.com/XyZ123"},
			{ChatID: "-1001", MsgID: 3, Date: now, Text: "again https://t.me/somechannel"},
		},
	}
	app := newTestApp(t, testConfig(t), tg)
	_, _, err := app.AddAccount(context.Background(), "alpha", "1AbC")
	require.NoError(t, err)

	assert.Equal(t, ingest.PhaseIdle, app.Status().Phase)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-tg.listening:
	case <-time.After(5 * time.Second):
		t.Fatal("collection never reached live phase")
	}
	status := app.Status()
	assert.True(t, status.Collecting)
	assert.True(t, status.NotificationsEnabled)
	assert.Equal(t, int64(3), status.MessagesSeen)
	assert.Equal(t, int64(2), status.LinksNew)

	n, err := app.Count(context.Background(), domain.LinkFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, app.Status().Collecting)
}

func TestAppRunWithoutAccounts(t *testing.T) {
	app := newTestApp(t, testConfig(t), &fakeTelegram{listening: make(chan struct{})})
	err := app.Run(context.Background())
	assert.ErrorIs(t, err, ingest.ErrNoActiveAccounts)
}

func TestAppExportAndBackup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	tg := &fakeTelegram{
		session:   []byte("s"),
		listening: make(chan struct{}),
		history: []domain.Message{
			{ChatID: "-1001", MsgID: 1, Date: time.Now().UTC(), Text: "https://t.me/joinchat/AbC123 https://example.com/page"},
		},
	}
	app := newTestApp(t, cfg, tg)
	_, _, err := app.AddAccount(ctx, "alpha", "1AbC")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()
	<-tg.listening
	cancel()
	require.NoError(t, <-done)

	years, err := app.Years(ctx, domain.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, []int{time.Now().UTC().Year()}, years)

	res, err := app.Export(ctx, domain.LinkFilter{Platform: domain.PlatformTelegram})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	body, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "https://t.me/joinchat/AbC123")
	assert.NotContains(t, string(body), "example.com")

	path, err := app.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, "backups"), filepath.Dir(path))

	found, err := app.Search(ctx, "example platform:other", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "https://example.com/page", found[0].URL)
}
