package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tglinks/internal/domain"
)

type fakeAccounts struct {
	mu       sync.Mutex
	active   []domain.Account
	disabled map[string]string
}

func (f *fakeAccounts) ListActiveAccounts(context.Context) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Account(nil), f.active...), nil
}

func (f *fakeAccounts) DisableAccount(_ context.Context, name, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled == nil {
		f.disabled = map[string]string{}
	}
	f.disabled[name] = reason
	return nil
}

type fakeSource struct {
	history      map[string][]domain.Message
	backfillErr  map[string]error
	live         chan domain.Message
	listening    sync.WaitGroup
	notifyAtLive []bool
	run          func() *CollectionRun
	mu           sync.Mutex
}

func (s *fakeSource) Backfill(ctx context.Context, account domain.Account, handle Handler) error {
	if err := s.backfillErr[account.Name]; err != nil {
		return err
	}
	for _, msg := range s.history[account.Name] {
		msg.Account = account.Name
		if err := handle(ctx, msg, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Listen(ctx context.Context, account domain.Account, handle Handler) error {
	s.mu.Lock()
	s.notifyAtLive = append(s.notifyAtLive, s.run().NotificationsEnabled())
	s.mu.Unlock()
	s.listening.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.live:
			msg.Account = account.Name
			if err := handle(ctx, msg, nil); err != nil {
				return err
			}
		}
	}
}

func TestCoordinatorTwoPhaseRun(t *testing.T) {
	p, store, notifier := newTestPipeline(t, nil)
	log, _ := test.NewNullLogger()
	now := time.Now().UTC()

	accounts := &fakeAccounts{active: []domain.Account{{Name: "acct1"}, {Name: "acct2"}, {Name: "stale"}}}
	source := &fakeSource{
		history: map[string][]domain.Message{
			"acct1": {{ChatID: "1", Date: now, Text: "https://t.me/chan_alpha"}},
			"acct2": {{ChatID: "2", Date: now, Text: "https://t.me/chan_alpha https://t.me/chan_beta"}},
		},
		backfillErr: map[string]error{"stale": domain.ErrUnauthorized},
		live:        make(chan domain.Message),
	}
	source.listening.Add(2)

	c := NewCoordinator(accounts, source, p, log)
	source.run = func() *CollectionRun {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.run
	}

	run, err := c.Start(context.Background())
	require.NoError(t, err)

	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	source.listening.Wait()
	assert.Equal(t, []bool{true, true}, source.notifyAtLive)
	assert.Equal(t, PhaseLive, c.Status().Phase)
	assert.Zero(t, notifier.count(), "backfilled links are not announced")
	assert.Equal(t, "unauthorized", accounts.disabled["stale"])

	source.live <- domain.Message{ChatID: "3", Date: now, Text: "https://chat.whatsapp.com/LiveOne"}
	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, c.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))

	status := c.Status()
	assert.False(t, status.Collecting)
	assert.Equal(t, run.ID, status.RunID)
	assert.Equal(t, int64(3), status.LinksNew)
	assert.False(t, c.Stop())

	count, err := store.CountLinks(context.Background(), domain.LinkFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCoordinatorNoActiveAccounts(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	c := NewCoordinator(&fakeAccounts{}, &fakeSource{}, p, nil)
	_, err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveAccounts)
	assert.Equal(t, PhaseIdle, c.Status().Phase)
}

func TestCoordinatorStopDuringBackfill(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	blocked := make(chan struct{})
	source := &blockingSource{started: blocked}
	c := NewCoordinator(&fakeAccounts{active: []domain.Account{{Name: "acct1"}}}, source, p, nil)

	run, err := c.Start(context.Background())
	require.NoError(t, err)
	<-blocked
	c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.False(t, run.NotificationsEnabled())
	assert.False(t, source.listened)

	// A new run gets fresh state.
	next, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, next.ID)
	c.Stop()
	require.NoError(t, c.Wait(ctx))
}

type blockingSource struct {
	started  chan struct{}
	once     sync.Once
	listened bool
}

func (b *blockingSource) Backfill(ctx context.Context, _ domain.Account, handle Handler) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return handle(ctx, domain.Message{ChatID: "1", Text: "https://x.com/late"}, nil)
}

func (b *blockingSource) Listen(context.Context, domain.Account, Handler) error {
	b.listened = true
	return nil
}
