package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSweeper struct {
	calls   atomic.Int32
	expired int
	err     error
}

func (c *countingSweeper) SweepStale(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return c.expired, c.err
}

func TestSessionSweeper(t *testing.T) {
	t.Run("run once records status", func(t *testing.T) {
		stub := &countingSweeper{expired: 3}
		sweeper := NewSessionSweeper(stub, time.Minute)

		sweeper.RunOnce(context.Background())
		sweeper.RunOnce(context.Background())

		st := sweeper.GetStatus()
		assert.Equal(t, 3, st.SessionsExpired)
		assert.Equal(t, 6, st.TotalExpired)
		assert.False(t, st.Running)
		assert.Empty(t, st.LastError)
	})

	t.Run("records errors", func(t *testing.T) {
		sweeper := NewSessionSweeper(&countingSweeper{err: errors.New("db down")}, time.Minute)
		sweeper.RunOnce(context.Background())
		assert.Equal(t, "db down", sweeper.GetStatus().LastError)
	})

	t.Run("runs on the interval until stopped", func(t *testing.T) {
		stub := &countingSweeper{}
		sweeper := NewSessionSweeper(stub, 10*time.Millisecond)

		sweeper.Start()
		assert.True(t, sweeper.GetStatus().Enabled)
		assert.Eventually(t, func() bool { return stub.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

		sweeper.Stop()
		sweeper.Stop()
		assert.False(t, sweeper.GetStatus().Enabled)
	})
}
