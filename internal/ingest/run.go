package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tglinks/internal/domain"
)

const (
	PhaseIdle     = "idle"
	PhaseBackfill = "backfill"
	PhaseLive     = "live"
	PhaseStopped  = "stopped"
)

// CollectionRun is the state of one start-to-stop collection. A new run is created for
// every start, so nothing here carries over between runs.
type CollectionRun struct {
	ID        string
	StartedAt time.Time

	collecting atomic.Bool
	notify     atomic.Bool
	phase      atomic.Value
	accounts   int

	messagesSeen atomic.Int64
	linksNew     atomic.Int64

	mu             sync.Mutex
	permalinkChats map[string]struct{}

	cancel context.CancelFunc
}

func NewRun(startedAt time.Time) *CollectionRun {
	run := &CollectionRun{
		ID:             uuid.NewString(),
		StartedAt:      startedAt,
		permalinkChats: map[string]struct{}{},
	}
	run.collecting.Store(true)
	run.phase.Store(PhaseIdle)
	return run
}

func (r *CollectionRun) Collecting() bool {
	return r.collecting.Load()
}

// Stop clears the collecting flag and cancels the run context, which also wakes
// listeners parked waiting for live updates.
func (r *CollectionRun) Stop() {
	r.collecting.Store(false)
	r.setPhase(PhaseStopped)
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *CollectionRun) NotificationsEnabled() bool {
	return r.notify.Load()
}

func (r *CollectionRun) EnableNotifications() {
	r.notify.Store(true)
}

func (r *CollectionRun) Phase() string {
	phase, _ := r.phase.Load().(string)
	return phase
}

func (r *CollectionRun) setPhase(phase string) {
	if r.Phase() == PhaseStopped {
		return
	}
	r.phase.Store(phase)
}

// ClaimPermalink reports whether chatID may still contribute a Telegram message link in
// this run. Only the first call per chat returns true.
func (r *CollectionRun) ClaimPermalink(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.permalinkChats[chatID]; taken {
		return false
	}
	r.permalinkChats[chatID] = struct{}{}
	return true
}

// releasePermalink returns a claim whose link was never stored.
func (r *CollectionRun) releasePermalink(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.permalinkChats, chatID)
}

func (r *CollectionRun) Status() domain.CollectionStatus {
	return domain.CollectionStatus{
		RunID:                r.ID,
		Collecting:           r.Collecting(),
		NotificationsEnabled: r.NotificationsEnabled(),
		StartedAt:            r.StartedAt,
		Phase:                r.Phase(),
		Accounts:             r.accounts,
		MessagesSeen:         r.messagesSeen.Load(),
		LinksNew:             r.linksNew.Load(),
	}
}
