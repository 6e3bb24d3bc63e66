package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tglinks/internal/config"
	"tglinks/internal/domain"
	"tglinks/internal/export"
	"tglinks/internal/fileextract"
	"tglinks/internal/ingest"
	"tglinks/internal/mcpserver"
	"tglinks/internal/notify"
	"tglinks/internal/scheduler"
	"tglinks/internal/search"
	"tglinks/internal/store/sqlite"
	"tglinks/internal/telegram"
)

const (
	backupJobName   = "backup"
	shutdownTimeout = 15 * time.Second
)

var (
	ErrInvalidAccountName = errors.New("account name must be 1-64 letters, digits, '.', '_' or '-'")
	accountNamePattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// telegramClient is what the app needs from the user-account client.
type telegramClient interface {
	ingest.Source
	ValidateSession(ctx context.Context, raw string) ([]byte, telegram.Identity, error)
	LoginQR(ctx context.Context, show func(telegram.QRToken) error, password func(context.Context) (string, error)) ([]byte, telegram.Identity, error)
}

type App struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	store    *sqlite.Store
	tg       telegramClient
	files    *fileextract.Extractor
	exporter *export.Exporter
	backup   *export.Backup

	// newNotifier builds the new-link notifier for a run; nil result disables notifications.
	newNotifier func() ingest.Notifier

	coordinator *ingest.Coordinator
}

func NewApp(cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	app, err := newApp(cfg, log, nil)
	if err != nil {
		return nil, err
	}
	app.tg = telegram.NewService(telegram.Options{
		APIID:            cfg.Telegram.APIID,
		APIHash:          cfg.Telegram.APIHash,
		IncludePrivate:   cfg.Telegram.IncludePrivate,
		HistoryBatchSize: cfg.Telegram.HistoryBatchSize,
		ResumeBackfill:   cfg.Collection.ResumeBackfill,
	}, app.store, app.store, log)
	app.newNotifier = app.botNotifier
	return app, nil
}

func newApp(cfg *config.Config, log logrus.FieldLogger, tg telegramClient) (*App, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	exporter := export.New(cfg.DataDir, store, log)
	return &App{
		cfg:      cfg,
		log:      log.WithField("component", "app"),
		store:    store,
		tg:       tg,
		files:    fileextract.New(cfg.Collection.MaxFileSize, cfg.Collection.ScratchDir, log),
		exporter: exporter,
		backup:   export.NewBackup(exporter, store, cfg.Backup.Keep),
	}, nil
}

func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) botNotifier() ingest.Notifier {
	if !a.cfg.NotificationsConfigured() {
		a.log.Info("bot token not configured; new-link notifications disabled")
		return nil
	}
	sender, err := notify.NewBotSender(a.cfg.Bot.Token)
	if err != nil {
		a.log.WithError(err).Warn("bot unavailable; new-link notifications disabled")
		return nil
	}
	return notify.New(sender, a.store, a.cfg.Bot.OperatorChatID, a.log)
}

// Run collects until ctx is canceled or every account task has ended. The backup
// schedule and, when enabled, the MCP server run alongside.
func (a *App) Run(ctx context.Context) error {
	if err := a.cfg.RequireTelegram(); err != nil {
		return err
	}

	var notifier ingest.Notifier
	if a.newNotifier != nil {
		notifier = a.newNotifier()
	}
	pipeline := ingest.NewPipeline(a.store, a.files, notifier, ingest.Policy{
		WhatsAppLookback: a.cfg.Collection.WhatsAppLookback,
	}, a.log)
	a.coordinator = ingest.NewCoordinator(a.store, a.tg, pipeline, a.log)

	if a.cfg.Backup.Schedule != "" {
		sched, err := scheduler.New(a.log)
		if err != nil {
			return err
		}
		defer sched.Stop()
		if err := sched.AddJob(backupJobName, a.cfg.Backup.Schedule, func(jobCtx context.Context) error {
			_, err := a.backup.Create(jobCtx)
			return err
		}); err != nil {
			return err
		}
	}

	if a.cfg.MCP.Enabled {
		srv := mcpserver.New(a.store, a.coordinator)
		if err := srv.Start(a.cfg.MCP.Port); err != nil {
			a.log.WithError(err).Warn("MCP server not started")
		} else {
			a.log.WithField("endpoint", srv.Endpoint()).Info("MCP server listening")
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				_ = srv.Stop(stopCtx)
			}()
		}
	}

	run, err := a.coordinator.Start(ctx)
	if err != nil {
		return err
	}
	a.log.WithField("run_id", run.ID).Info("collecting; press Ctrl+C to stop")

	if err := a.coordinator.Wait(ctx); err == nil {
		a.log.WithField("status", a.coordinator.Status()).Info("collection ended")
		return nil
	}

	a.coordinator.Stop()
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.coordinator.Wait(waitCtx); err != nil {
		a.log.Warn("collection did not stop in time")
	}
	a.log.WithField("run_id", run.ID).Info("collection stopped")
	return nil
}

func (a *App) Status() domain.CollectionStatus {
	if a.coordinator == nil {
		return domain.CollectionStatus{Phase: ingest.PhaseIdle}
	}
	return a.coordinator.Status()
}

// AddAccount validates a string session against Telegram and stores it. Nothing is
// written when the session is not authorized.
func (a *App) AddAccount(ctx context.Context, name, session string) (domain.Account, telegram.Identity, error) {
	name, err := a.checkNewAccount(ctx, name)
	if err != nil {
		return domain.Account{}, telegram.Identity{}, err
	}
	data, who, err := a.tg.ValidateSession(ctx, session)
	if err != nil {
		return domain.Account{}, telegram.Identity{}, fmt.Errorf("validate session: %w", err)
	}
	account, err := a.store.CreateAccount(ctx, name, data)
	return account, who, err
}

// LoginAccount signs a new account in by QR code and stores the resulting session.
func (a *App) LoginAccount(ctx context.Context, name string, show func(telegram.QRToken) error, password func(context.Context) (string, error)) (domain.Account, telegram.Identity, error) {
	name, err := a.checkNewAccount(ctx, name)
	if err != nil {
		return domain.Account{}, telegram.Identity{}, err
	}
	data, who, err := a.tg.LoginQR(ctx, show, password)
	if err != nil {
		return domain.Account{}, telegram.Identity{}, fmt.Errorf("qr login: %w", err)
	}
	account, err := a.store.CreateAccount(ctx, name, data)
	return account, who, err
}

func (a *App) checkNewAccount(ctx context.Context, name string) (string, error) {
	if err := a.cfg.RequireTelegram(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if !accountNamePattern.MatchString(name) {
		return "", ErrInvalidAccountName
	}
	_, err := a.store.GetAccount(ctx, name)
	switch {
	case err == nil:
		return "", sqlite.ErrAccountExists
	case !errors.Is(err, sqlite.ErrNotFound):
		return "", err
	}
	return name, nil
}

func (a *App) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return a.store.ListAccounts(ctx)
}

func (a *App) DisableAccount(ctx context.Context, name, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "disabled by operator"
	}
	return a.store.DisableAccount(ctx, name, reason)
}

func (a *App) EnableAccount(ctx context.Context, name string) error {
	return a.store.EnableAccount(ctx, name)
}

func (a *App) DeleteAccount(ctx context.Context, name string) error {
	return a.store.DeleteAccount(ctx, name)
}

func (a *App) SetTarget(ctx context.Context, target domain.AdminTarget) error {
	return a.store.UpsertAdminTarget(ctx, target)
}

func (a *App) ListTargets(ctx context.Context) ([]domain.AdminTarget, error) {
	return a.store.ListAdminTargets(ctx)
}

func (a *App) DeleteTarget(ctx context.Context, adminID int64, platform domain.Platform) error {
	return a.store.DeleteAdminTarget(ctx, adminID, platform)
}

func (a *App) Years(ctx context.Context, platform domain.Platform) ([]int, error) {
	return a.store.Years(ctx, platform)
}

func (a *App) Count(ctx context.Context, filter domain.LinkFilter) (int, error) {
	return a.store.CountLinks(ctx, filter)
}

func (a *App) CountByPlatform(ctx context.Context) ([]domain.PlatformCount, error) {
	return a.store.CountByPlatform(ctx)
}

func (a *App) List(ctx context.Context, filter domain.LinkFilter) ([]domain.Link, error) {
	return a.store.ListLinks(ctx, filter)
}

func (a *App) Search(ctx context.Context, raw string, limit int) ([]domain.Link, error) {
	q, err := search.Parse(raw)
	if err != nil {
		return nil, err
	}
	return a.store.SearchLinks(ctx, q, limit)
}

func (a *App) Export(ctx context.Context, filter domain.LinkFilter) (export.Result, error) {
	return a.exporter.ExportText(ctx, filter)
}

func (a *App) Backup(ctx context.Context) (string, error) {
	return a.backup.Create(ctx)
}
