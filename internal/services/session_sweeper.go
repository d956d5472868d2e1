package services

import (
	"context"
	"sync"
	"time"

	"github.com/chargesync/devicesync/internal/observability"
)

// SweeperStatus represents the current status of the staleness sweep
type SweeperStatus struct {
	Running          bool      `json:"running"`
	Enabled          bool      `json:"enabled"`
	LastRun          time.Time `json:"lastRun,omitzero"`
	LastRunDuration  string    `json:"lastRunDuration,omitempty"`
	SessionsExpired  int       `json:"sessionsExpired"`
	TotalExpired     int       `json:"totalExpired"`
	LastError        string    `json:"lastError,omitempty"`
	NextScheduledRun time.Time `json:"nextScheduledRun,omitzero"`
}

// StaleSweeper expires sessions that stopped heartbeating
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// SessionSweeper runs the staleness sweep on an interval
type SessionSweeper struct {
	authority StaleSweeper
	interval  time.Duration
	logger    *observability.Logger

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	ticker   *time.Ticker
	status   SweeperStatus
}

// NewSessionSweeper creates a new SessionSweeper
func NewSessionSweeper(authority StaleSweeper, interval time.Duration) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionSweeper{
		authority: authority,
		interval:  interval,
		logger:    observability.WithField("component", "session_sweeper"),
	}
}

// Start begins the background sweep loop
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return // Already started
	}
	s.status.Enabled = true
	s.stopChan = make(chan struct{})
	s.ticker = time.NewTicker(s.interval)
	s.status.NextScheduledRun = time.Now().Add(s.interval)
	ticker, stop := s.ticker, s.stopChan
	s.mu.Unlock()

	s.logger.Infof("Session sweeper started (runs every %s)", s.interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.status.NextScheduledRun = time.Now().Add(s.interval)
				s.mu.Unlock()
				s.RunOnce(context.Background())
			case <-stop:
				ticker.Stop()
				s.logger.Info("Session sweeper stopped")
				return
			}
		}
	}()
}

// Stop stops the sweep loop
func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return // Already stopped
	}

	s.ticker = nil
	s.status.Enabled = false
	close(s.stopChan)
}

// GetStatus returns the current sweeper status
func (s *SessionSweeper) GetStatus() SweeperStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RunOnce performs one sweep. Overlapping runs are skipped.
func (s *SessionSweeper) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Sweep already running, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	ctx, span := observability.StartServiceSpan(ctx, "session_sweeper", "sweep")
	startTime := time.Now()
	expired, err := s.authority.SweepStale(ctx)
	duration := time.Since(startTime)
	observability.EndSpan(span, err)

	s.mu.Lock()
	s.running = false
	s.status.Running = false
	s.status.LastRun = startTime
	s.status.LastRunDuration = duration.Round(time.Millisecond).String()
	s.status.SessionsExpired = expired
	s.status.TotalExpired += expired
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Error("Session sweep failed")
		return
	}
	if expired > 0 {
		s.logger.Infof("Session sweep: expired %d stale sessions", expired)
	}
}
