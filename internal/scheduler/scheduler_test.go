package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := New(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestAddJobValidation(t *testing.T) {
	s := newTestScheduler(t)
	job := func(context.Context) error { return nil }

	assert.Error(t, s.AddJob("", "0 3 * * *", job))
	assert.Error(t, s.AddJob("backup", "", job))
	assert.Error(t, s.AddJob("backup", "0 3 * * *", nil))
	assert.Error(t, s.AddJob("backup", "not a cron", job))
	assert.NoError(t, s.AddJob("backup", "0 3 * * *", job))
}

var errJobNotFound = errors.New("scheduled job not found")

// runNow triggers a scheduled job outside its schedule.
func runNow(s *Scheduler, name string) error {
	for _, job := range s.scheduler.Jobs() {
		if job.Name() == name {
			return job.RunNow()
		}
	}
	return fmt.Errorf("%w: %s", errJobNotFound, name)
}

func TestRunNowExecutesJob(t *testing.T) {
	s := newTestScheduler(t)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.AddJob("backup", "0 3 1 1 *", func(ctx context.Context) error {
		assert.NoError(t, ctx.Err())
		ran <- struct{}{}
		return nil
	}))

	require.NoError(t, runNow(s, "backup"))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	assert.ErrorIs(t, runNow(s, "missing"), errJobNotFound)
}

func TestFailedJobIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s, err := New(logger)
	require.NoError(t, err)
	defer s.Stop()

	done := make(chan struct{})
	require.NoError(t, s.AddJob("backup", "0 3 1 1 *", func(context.Context) error {
		defer close(done)
		return errors.New("disk full")
	}))
	require.NoError(t, runNow(s, "backup"))
	<-done

	assert.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.WarnLevel && entry.Message == "scheduled job failed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGocronLoggerFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &gocronLogger{log: logger}
	l.Info("job added", "name", "backup", 7, "x", "dangling")

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "backup", hook.LastEntry().Data["name"])
	assert.Equal(t, "x", hook.LastEntry().Data["7"])
	assert.NotContains(t, hook.LastEntry().Data, "dangling")
}
