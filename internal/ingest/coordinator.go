package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tglinks/internal/domain"
	"tglinks/internal/fileextract"
)

var (
	ErrAlreadyRunning   = errors.New("collection is already running")
	ErrNoActiveAccounts = errors.New("no active accounts")
	// ErrRunStopped is returned by the message handler once the run stops collecting.
	// Sources return it up the stack to end their iteration.
	ErrRunStopped = errors.New("collection run stopped")
)

// Handler receives each message a source reads. dl downloads the message attachment
// over the same session.
type Handler func(ctx context.Context, msg domain.Message, dl fileextract.Downloader) error

// Source reads messages for one account: history first, then live events.
type Source interface {
	Backfill(ctx context.Context, account domain.Account, handle Handler) error
	Listen(ctx context.Context, account domain.Account, handle Handler) error
}

type AccountStore interface {
	ListActiveAccounts(ctx context.Context) ([]domain.Account, error)
	DisableAccount(ctx context.Context, name, reason string) error
}

// Coordinator runs collections: every active account backfills concurrently, and only
// after all of them finish are notifications enabled and live listening started.
type Coordinator struct {
	accounts AccountStore
	source   Source
	pipeline *Pipeline
	log      logrus.FieldLogger
	now      func() time.Time

	mu   sync.Mutex
	run  *CollectionRun
	done chan struct{}
}

func NewCoordinator(accounts AccountStore, source Source, pipeline *Pipeline, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.New()
	}
	return &Coordinator{
		accounts: accounts,
		source:   source,
		pipeline: pipeline,
		log:      log.WithField("component", "coordinator"),
		now:      time.Now,
	}
}

// Start launches a new run in the background and returns it.
func (c *Coordinator) Start(ctx context.Context) (*CollectionRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil && c.run.Collecting() {
		return nil, ErrAlreadyRunning
	}
	accounts, err := c.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoActiveAccounts
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := NewRun(c.now().UTC())
	run.cancel = cancel
	run.accounts = len(accounts)
	done := make(chan struct{})
	c.run = run
	c.done = done

	c.log.WithFields(logrus.Fields{"run_id": run.ID, "accounts": len(accounts)}).Info("collection started")
	go func() {
		defer close(done)
		defer run.Stop()
		c.execute(runCtx, run, accounts)
	}()
	return run, nil
}

// Stop ends the current run, if any. It does not wait for account tasks to return.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || !c.run.Collecting() {
		return false
	}
	c.run.Stop()
	c.log.WithField("run_id", c.run.ID).Info("collection stop requested")
	return true
}

// Wait blocks until the current run has fully returned or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) Status() domain.CollectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return domain.CollectionStatus{Phase: PhaseIdle}
	}
	return c.run.Status()
}

func (c *Coordinator) execute(ctx context.Context, run *CollectionRun, accounts []domain.Account) {
	handle := c.handler(run)
	run.setPhase(PhaseBackfill)

	var (
		mu         sync.Mutex
		listenable []domain.Account
		g          errgroup.Group
	)
	for _, account := range accounts {
		g.Go(func() error {
			log := c.log.WithFields(logrus.Fields{"run_id": run.ID, "account": account.Name})
			err := c.source.Backfill(ctx, account, handle)
			if c.accountFailed(ctx, account, err, log, "backfill") {
				return nil
			}
			log.Info("backfill finished")
			mu.Lock()
			listenable = append(listenable, account)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !run.Collecting() || ctx.Err() != nil {
		return
	}
	if len(listenable) == 0 {
		c.log.WithField("run_id", run.ID).Warn("no account finished backfill; not listening")
		return
	}

	run.EnableNotifications()
	run.setPhase(PhaseLive)
	c.log.WithField("run_id", run.ID).Info("backfill complete; notifications enabled")

	var live errgroup.Group
	for _, account := range listenable {
		live.Go(func() error {
			log := c.log.WithFields(logrus.Fields{"run_id": run.ID, "account": account.Name})
			err := c.source.Listen(ctx, account, handle)
			c.accountFailed(ctx, account, err, log, "listen")
			return nil
		})
	}
	_ = live.Wait()
}

// accountFailed logs the end of an account task and reports whether it failed. An
// unauthorized session is soft-disabled so later runs skip it.
func (c *Coordinator) accountFailed(ctx context.Context, account domain.Account, err error, log logrus.FieldLogger, stage string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRunStopped) || errors.Is(err, context.Canceled) {
		log.WithField("stage", stage).Debug("account task stopped")
		return true
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		log.WithField("stage", stage).Warn("session unauthorized; disabling account")
		if disableErr := c.accounts.DisableAccount(context.WithoutCancel(ctx), account.Name, "unauthorized"); disableErr != nil {
			log.WithError(disableErr).Warn("disable account failed")
		}
		return true
	}
	log.WithError(err).WithField("stage", stage).Warn("account task failed")
	return true
}

func (c *Coordinator) handler(run *CollectionRun) Handler {
	return func(ctx context.Context, msg domain.Message, dl fileextract.Downloader) error {
		if !run.Collecting() {
			return ErrRunStopped
		}
		c.pipeline.Ingest(ctx, run, msg, dl)
		return nil
	}
}
