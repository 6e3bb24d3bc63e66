package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/session"
	"github.com/sirupsen/logrus"

	"tglinks/internal/domain"
)

const (
	channelChatIDOffset int64 = 1_000_000_000_000
	historyBatchSize          = 100
	minHistoryBatchSize       = 20
)

var (
	ErrNotConfigured = errors.New("telegram api credentials are not configured")
	ErrUnauthorized  = domain.ErrUnauthorized
	ErrPasswordEmpty = errors.New("telegram password is required")
)

// SessionStore keeps the serialized MTProto session of each account.
type SessionStore interface {
	LoadAccountSession(ctx context.Context, name string) ([]byte, error)
	StoreAccountSession(ctx context.Context, name string, data []byte) error
}

// CursorStore remembers how far backfill got in each chat.
type CursorStore interface {
	ChatCursor(ctx context.Context, account, chatID string) (int64, error)
	SaveChatCursor(ctx context.Context, account, chatID string, lastMessageID int64) error
}

type Options struct {
	APIID            int
	APIHash          string
	IncludePrivate   bool
	HistoryBatchSize int
	ResumeBackfill   bool
}

// Service is the user-account side of Telegram: session checks, login, history
// backfill, live updates and attachment downloads.
type Service struct {
	opts     Options
	sessions SessionStore
	cursors  CursorStore
	log      logrus.FieldLogger

	// Request spacing for history reads.
	globalInterval  time.Duration
	perChatInterval time.Duration

	throttleMu              sync.Mutex
	backfillLastGlobalReqAt time.Time
	backfillLastReqByChat   map[string]time.Time
	floodUntilByChat        map[string]time.Time
}

func NewService(opts Options, sessions SessionStore, cursors CursorStore, log logrus.FieldLogger) *Service {
	opts.APIHash = strings.TrimSpace(opts.APIHash)
	if opts.HistoryBatchSize <= 0 || opts.HistoryBatchSize > historyBatchSize {
		opts.HistoryBatchSize = historyBatchSize
	}
	if opts.HistoryBatchSize < minHistoryBatchSize {
		opts.HistoryBatchSize = minHistoryBatchSize
	}
	if log == nil {
		log = logrus.New()
	}
	return &Service{
		opts:                  opts,
		sessions:              sessions,
		cursors:               cursors,
		log:                   log.WithField("component", "telegram"),
		globalInterval:        backfillGlobalMinInterval,
		perChatInterval:       backfillPerChatMinInterval,
		backfillLastReqByChat: map[string]time.Time{},
		floodUntilByChat:      map[string]time.Time{},
	}
}

func (s *Service) credentials() (int, string, error) {
	if s.opts.APIID <= 0 || s.opts.APIHash == "" {
		return 0, "", ErrNotConfigured
	}
	return s.opts.APIID, s.opts.APIHash, nil
}

func (s *Service) accountStorage(name string) session.Storage {
	return &AccountSessionStorage{Store: s.sessions, Account: name}
}

func (s *Service) withClient(ctx context.Context, storage session.Storage, fn func(context.Context, *tdtelegram.Client) error) error {
	return s.withClientUsingOptions(ctx, tdtelegram.Options{SessionStorage: storage}, fn)
}

func (s *Service) withClientUsingOptions(ctx context.Context, opts tdtelegram.Options, fn func(context.Context, *tdtelegram.Client) error) error {
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return err
	}
	client := tdtelegram.NewClient(apiID, apiHash, opts)
	return client.Run(ctx, func(runCtx context.Context) error {
		return fn(runCtx, client)
	})
}

// requireAuthorized fails with ErrUnauthorized when the client's session is not signed
// in, and returns the signed-in user's display name otherwise.
func requireAuthorized(ctx context.Context, client *tdtelegram.Client) (string, error) {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return "", err
	}
	if !status.Authorized {
		return "", ErrUnauthorized
	}
	return formatUserDisplay(status.User), nil
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
