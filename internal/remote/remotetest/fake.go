// Package remotetest provides an in-memory Authority for tests.
package remotetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/remote"
)

// Operation names used for call counting and failure injection
const (
	OpUpsertDevice      = "upsertDevice"
	OpFindActiveSession = "findActiveSession"
	OpCreateSession     = "createSession"
	OpHeartbeat         = "heartbeat"
	OpDisconnect        = "disconnect"
	OpAppendActivityLog = "appendActivityLog"
	OpSubmitReading     = "submitBatteryReading"
	OpSubmitClaim       = "submitRewardClaim"
)

// Unreachable builds the error a client returns when the authority is down
func Unreachable(op string) error {
	return remote.NewError(op, http.StatusServiceUnavailable, "fake outage")
}

// Authority implements remote.Authority with the reference semantics:
// idempotent upsert, one active session per device, duplicate submissions ignored.
type Authority struct {
	mu       sync.Mutex
	devices  map[string]string
	sessions map[string]*models.SessionRecord
	readings []models.BatteryReading
	claims   []models.RewardClaim
	activity []models.QueuedActivity
	seen     map[string]bool
	calls    map[string]int
	failures map[string]func() error
	gate     chan struct{}
}

// NewAuthority returns an empty fake
func NewAuthority() *Authority {
	return &Authority{
		devices:  make(map[string]string),
		sessions: make(map[string]*models.SessionRecord),
		seen:     make(map[string]bool),
		calls:    make(map[string]int),
		failures: make(map[string]func() error),
	}
}

// FailWith makes op fail with fn's error until cleared with a nil fn
func (a *Authority) FailWith(op string, fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = fn
}

// Block holds every call until the returned func is called
func (a *Authority) Block() func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate := make(chan struct{})
	a.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// enter counts the call, waits on the gate and applies injected failures
func (a *Authority) enter(ctx context.Context, op string) error {
	a.mu.Lock()
	a.calls[op]++
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.NewUnreachable(op, ctx.Err().Error())
		}
	}

	a.mu.Lock()
	fail := a.failures[op]
	a.mu.Unlock()
	if fail != nil {
		return fail()
	}
	return nil
}

// Calls returns how often op was invoked
func (a *Authority) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// TotalCalls counts every invocation
func (a *Authority) TotalCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		n += c
	}
	return n
}

// Readings returns accepted readings in arrival order
func (a *Authority) Readings() []models.BatteryReading {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.BatteryReading(nil), a.readings...)
}

// Claims returns accepted claims in arrival order
func (a *Authority) Claims() []models.RewardClaim {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.RewardClaim(nil), a.claims...)
}

// Activity returns appended activity entries in arrival order
func (a *Authority) Activity() []models.QueuedActivity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.QueuedActivity(nil), a.activity...)
}

// SessionByID returns a copy of a session
func (a *Authority) SessionByID(id string) (models.SessionRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return models.SessionRecord{}, false
	}
	return *s, true
}

// SetLastHeartbeat ages a session
func (a *Authority) SetLastHeartbeat(sessionID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[sessionID]; ok {
		s.LastHeartbeatAt = at
	}
}

// ExpireSession marks a session inactive as the staleness sweep would
func (a *Authority) ExpireSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[sessionID]; ok {
		s.Close(time.Now())
	}
}

func (a *Authority) UpsertDevice(ctx context.Context, info models.DeviceInfo) (string, error) {
	if err := a.enter(ctx, OpUpsertDevice); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.devices[info.Fingerprint]; ok {
		return id, nil
	}
	id := uuid.New().String()
	a.devices[info.Fingerprint] = id
	return id, nil
}

func (a *Authority) FindActiveSession(ctx context.Context, deviceID, sessionKey string) (*models.ActiveSession, error) {
	if err := a.enter(ctx, OpFindActiveSession); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.sessions {
		if s.DeviceID == deviceID && s.SessionKey == sessionKey && s.IsActive {
			active := s.Active()
			return &active, nil
		}
	}
	return nil, nil
}

func (a *Authority) CreateSession(ctx context.Context, deviceID, sessionKey string, info models.DeviceInfo) (*models.ActiveSession, error) {
	if err := a.enter(ctx, OpCreateSession); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.knownDevice(deviceID) {
		return nil, remote.NewError(OpCreateSession, http.StatusNotFound, models.ErrDeviceNotFound.Error())
	}
	session, err := models.NewSessionRecord(deviceID, sessionKey, info)
	if err != nil {
		return nil, remote.NewError(OpCreateSession, http.StatusBadRequest, err.Error())
	}
	now := time.Now()
	for _, s := range a.sessions {
		if s.DeviceID == deviceID && s.IsActive {
			s.Close(now)
		}
	}
	a.sessions[session.ID] = session
	active := session.Active()
	return &active, nil
}

func (a *Authority) knownDevice(id string) bool {
	for _, known := range a.devices {
		if known == id {
			return true
		}
	}
	return false
}

func (a *Authority) activeSession(op, deviceID, sessionKey string) (*models.SessionRecord, error) {
	for _, s := range a.sessions {
		if s.DeviceID == deviceID && s.SessionKey == sessionKey && s.IsActive {
			return s, nil
		}
	}
	return nil, remote.NewError(op, http.StatusNotFound, "no active session")
}

func (a *Authority) Heartbeat(ctx context.Context, deviceID, sessionKey string) error {
	if err := a.enter(ctx, OpHeartbeat); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.activeSession(OpHeartbeat, deviceID, sessionKey)
	if err != nil {
		return err
	}
	s.Touch(time.Now())
	return nil
}

func (a *Authority) Disconnect(ctx context.Context, deviceID, sessionKey string) error {
	if err := a.enter(ctx, OpDisconnect); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, err := a.activeSession(OpDisconnect, deviceID, sessionKey); err == nil {
		s.Close(time.Now())
	}
	return nil
}

func (a *Authority) AppendActivityLog(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) error {
	if err := a.enter(ctx, OpAppendActivityLog); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen["activity:"+entry.ID] {
		return nil
	}
	a.seen["activity:"+entry.ID] = true
	a.activity = append(a.activity, models.QueuedActivity{DeviceID: deviceID, SessionID: sessionID, Entry: *entry})
	return nil
}

func (a *Authority) SubmitBatteryReading(ctx context.Context, reading *models.BatteryReading) error {
	if err := a.enter(ctx, OpSubmitReading); err != nil {
		return err
	}
	if err := reading.Validate(); err != nil {
		return remote.NewError(OpSubmitReading, http.StatusBadRequest, err.Error())
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen["reading:"+reading.ID] {
		return nil
	}
	a.seen["reading:"+reading.ID] = true
	a.readings = append(a.readings, *reading)
	return nil
}

func (a *Authority) SubmitRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	if err := a.enter(ctx, OpSubmitClaim); err != nil {
		return err
	}
	if err := claim.Validate(); err != nil {
		return remote.NewError(OpSubmitClaim, http.StatusBadRequest, err.Error())
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen["claim:"+claim.ID] {
		return nil
	}
	a.seen["claim:"+claim.ID] = true
	a.claims = append(a.claims, *claim)
	return nil
}

var _ remote.Authority = (*Authority)(nil)

// String summarizes call counts for failure messages
func (a *Authority) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("fake authority calls=%v", a.calls)
}
