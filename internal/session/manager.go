package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chargesync/devicesync/internal/async"
	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/netstatus"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/remote"
)

// Enqueuer appends work for the sync engine
type Enqueuer interface {
	Enqueue(ctx context.Context, itemType models.ItemType, payload any) (*models.SyncQueueItem, error)
}

// onlineReporter is implemented by connectivity sources that accept
// observations from failed calls
type onlineReporter interface {
	SetOnline(online bool)
}

// Options configures a Manager
type Options struct {
	// Info describes this device; Info.Fingerprint keys the cached state
	Info              models.DeviceInfo
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	RequestTimeout    time.Duration
	DisconnectTimeout time.Duration
	DisconnectOnClose bool
	Pool              *async.Pool
	Metrics           *observability.SyncMetrics
	Clock             func() time.Time
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Manager is the single owner of the device session and its cached state
type Manager struct {
	authority remote.Authority
	store     localstore.Store
	prefs     *localstore.Prefs
	queue     Enqueuer
	conn      netstatus.Connectivity
	pool      *async.Pool
	ownPool   bool
	opts      Options
	logger    *observability.Logger

	connectGroup singleflight.Group

	mu        sync.RWMutex
	state     State
	session   *models.SessionRecord
	connected bool
	resumed   bool
	closed    bool

	subMu  sync.Mutex
	subs   map[int]chan Status
	nextID int

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager wires a manager. The store must already be initialized.
func NewManager(authority remote.Authority, store localstore.Store, queue Enqueuer, conn netstatus.Connectivity, opts Options) (*Manager, error) {
	opts.setDefaults()
	if opts.Info.Fingerprint == "" {
		return nil, models.ErrEmptyFingerprint
	}

	m := &Manager{
		authority: authority,
		store:     store,
		prefs:     localstore.NewPrefs(store),
		queue:     queue,
		conn:      conn,
		pool:      opts.Pool,
		opts:      opts,
		state:     StateUninitialized,
		subs:      make(map[int]chan Status),
		logger:    observability.WithField("component", "session"),
	}

	if m.pool == nil {
		pool, err := async.New(async.Config{Size: 8, ReleaseTimeout: opts.DisconnectTimeout})
		if err != nil {
			return nil, err
		}
		m.pool = pool
		m.ownPool = true
	}
	return m, nil
}

// Status returns the current observable state
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{State: m.state, IsConnected: m.connected, Resumed: m.resumed}
	if m.session != nil {
		st.DeviceID = m.session.DeviceID
		st.SessionID = m.session.ID
		st.ConnectedAt = m.session.ConnectedAt
		st.LastHeartbeatAt = m.session.LastHeartbeatAt
	}
	return st
}

// Session returns a copy of the current session, or nil
func (m *Manager) Session() *models.SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Subscribe delivers the latest Status after every change
func (m *Manager) Subscribe() (<-chan Status, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Status, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// update mutates state under the lock and publishes the result
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	st := m.statusLocked()
	m.mu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		publish(ch, st)
	}
}

// publish replaces any unread status with the newest one
func publish(ch chan Status, st Status) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *Manager) now() time.Time {
	return m.opts.Clock().UTC()
}

// withTimeout bounds one remote call
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.RequestTimeout)
}

// markOffline feeds an unreachable result back into the connectivity source
func (m *Manager) markOffline() {
	if r, ok := m.conn.(onlineReporter); ok {
		r.SetOnline(false)
	}
}

// Connect establishes or resumes the session. Concurrent callers share one attempt.
func (m *Manager) Connect(ctx context.Context) (*models.SessionRecord, error) {
	ch := m.connectGroup.DoChan("connect", func() (interface{}, error) {
		return m.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*models.SessionRecord)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) (*models.SessionRecord, error) {
	ctx, span := observability.StartServiceSpan(ctx, "session", "connect")
	defer span.End()

	m.mu.RLock()
	closed, state, connected, current := m.closed, m.state, m.connected, m.session
	m.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if state == StateActive && connected && current != nil {
		s := *current
		return &s, nil
	}

	m.update(func() { m.state = StateConnecting })

	session, outcome, err := m.establish(ctx)
	m.opts.Metrics.RecordConnect(ctx, outcome)
	if err != nil {
		observability.RecordError(span, err)
		m.update(func() {
			if m.session != nil {
				m.state = state
			} else {
				m.state = StateUninitialized
			}
		})
		return nil, err
	}

	observability.SetSuccess(span)
	return session, nil
}

// establish runs the connect algorithm and reports how it resolved
func (m *Manager) establish(ctx context.Context) (*models.SessionRecord, string, error) {
	fp := m.opts.Info.Fingerprint
	logger := m.logger.WithContext(ctx)

	if !m.conn.Online() {
		return m.resumeOffline(ctx, fp, nil)
	}

	deviceID, cached, err := m.deviceID(ctx, fp)
	if remote.IsUnreachable(err) {
		m.markOffline()
		return m.resumeOffline(ctx, fp, err)
	}
	if err != nil {
		return nil, outcomeFailed, fmt.Errorf("register device: %w", err)
	}

	sessionKey, err := m.sessionKey(ctx)
	if err != nil {
		return nil, outcomeFailed, err
	}

	active, outcome, err := m.openSession(ctx, deviceID, sessionKey)
	if cached && remote.IsRejected(err) {
		// The authority lost the cached id (reset or migrated); register again once
		logger.WithError(err).WithField("device_id", deviceID).Warn("Cached device id rejected, registering again")
		if clearErr := m.prefs.ClearDeviceID(ctx, fp); clearErr != nil {
			logger.WithError(clearErr).Warn("Failed to clear cached device id")
		}
		deviceID, _, err = m.deviceID(ctx, fp)
		if err == nil {
			active, outcome, err = m.openSession(ctx, deviceID, sessionKey)
		} else {
			err = fmt.Errorf("register device: %w", err)
		}
	}
	if remote.IsUnreachable(err) {
		m.markOffline()
		return m.resumeOffline(ctx, fp, err)
	}
	if err != nil {
		return nil, outcomeFailed, err
	}

	now := m.now()
	session := &models.SessionRecord{
		ID:               active.SessionID,
		DeviceID:         deviceID,
		SessionKey:       sessionKey,
		DeviceInfo:       m.opts.Info,
		ConnectedAt:      active.ConnectedAt,
		LastHeartbeatAt:  active.LastHeartbeatAt,
		IsActive:         true,
		SessionStartTime: now,
	}
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = now
	}
	if session.LastHeartbeatAt.IsZero() {
		session.LastHeartbeatAt = now
	}

	if err := m.persist(ctx, session); err != nil {
		logger.WithError(err).Warn("Failed to cache session state")
	}

	resumed := outcome == outcomeResumed
	m.update(func() {
		m.state = StateActive
		m.session = session
		m.connected = true
		m.resumed = resumed
	})

	logger.WithSession(deviceID, session.ID).WithField("outcome", outcome).Info("Session connected")

	activity := models.ActivitySessionConnected
	if resumed {
		activity = models.ActivitySessionResumed
	}
	m.LogActivity(ctx, activity, models.CategorySession, "Device session "+outcome, nil, models.SeverityInfo)

	s := *session
	return &s, outcome, nil
}

// openSession resumes the fresh active session for the key or creates a new one
func (m *Manager) openSession(ctx context.Context, deviceID, sessionKey string) (*models.ActiveSession, string, error) {
	lookupCtx, cancel := m.withTimeout(ctx)
	active, err := m.authority.FindActiveSession(lookupCtx, deviceID, sessionKey)
	cancel()
	if err != nil {
		return nil, outcomeFailed, fmt.Errorf("find active session: %w", err)
	}
	if active != nil && active.IsFresh(m.now(), m.opts.StaleAfter) {
		return active, outcomeResumed, nil
	}
	if active != nil {
		m.logger.WithContext(ctx).WithSession(deviceID, active.SessionID).Info("Active session is stale, creating a new one")
	}

	createCtx, cancel := m.withTimeout(ctx)
	active, err = m.authority.CreateSession(createCtx, deviceID, sessionKey, m.opts.Info)
	cancel()
	if err != nil {
		return nil, outcomeFailed, fmt.Errorf("create session: %w", err)
	}
	return active, outcomeCreated, nil
}

// resumeOffline activates the cached session for fp without any remote call
func (m *Manager) resumeOffline(ctx context.Context, fp string, cause error) (*models.SessionRecord, string, error) {
	rec, err := m.store.Get(ctx, localstore.DeviceState, fp)
	if errors.Is(err, localstore.ErrNotFound) {
		if cause != nil {
			return nil, outcomeOffline, fmt.Errorf("%w: %v", ErrOffline, cause)
		}
		return nil, outcomeOffline, ErrOffline
	}
	if err != nil {
		return nil, outcomeFailed, fmt.Errorf("load cached device state: %w", err)
	}

	var cached models.CachedDeviceState
	if err := rec.Decode(&cached); err != nil {
		return nil, outcomeFailed, fmt.Errorf("decode cached device state: %w", err)
	}

	session := cached.Session(m.opts.Info)
	m.update(func() {
		m.state = StateActive
		m.session = session
		m.connected = false
		m.resumed = true
	})

	m.logger.WithSession(session.DeviceID, session.ID).Warn("Authority unreachable, resumed cached session offline")

	entry := models.NewActivityLogEntry(models.ActivitySessionOffline, models.CategorySession,
		"Session resumed from local cache while offline", nil, models.SeverityWarning)
	_, err = m.queue.Enqueue(ctx, models.ItemSessionEvent, models.QueuedActivity{
		DeviceID:  session.DeviceID,
		SessionID: session.ID,
		Entry:     *entry,
	})
	if err != nil {
		m.logger.WithError(err).Warn("Failed to queue offline resume event")
	}

	s := *session
	return &s, outcomeOffline, nil
}

// deviceID returns the id for fp and whether it came from the local cache,
// registering the device if nothing is cached
func (m *Manager) deviceID(ctx context.Context, fp string) (string, bool, error) {
	if id, ok, err := m.prefs.DeviceID(ctx, fp); err == nil && ok && id != "" {
		return id, true, nil
	}

	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	id, err := m.authority.UpsertDevice(callCtx, m.opts.Info)
	if err != nil {
		return "", false, err
	}
	if err := m.prefs.SetDeviceID(ctx, fp, id); err != nil {
		m.logger.WithError(err).Warn("Failed to cache device id")
	}
	return id, false, nil
}

// sessionKey returns the persisted key, creating one on first use
func (m *Manager) sessionKey(ctx context.Context) (string, error) {
	key, ok, err := m.prefs.SessionKey(ctx)
	if err != nil {
		return "", fmt.Errorf("load session key: %w", err)
	}
	if ok && key != "" {
		return key, nil
	}

	key = models.NewSessionKey()
	if err := m.prefs.SetSessionKey(ctx, key); err != nil {
		return "", fmt.Errorf("save session key: %w", err)
	}
	return key, nil
}

// persist writes the session mirror and the cached device state together
func (m *Manager) persist(ctx context.Context, session *models.SessionRecord) error {
	fp := m.opts.Info.Fingerprint
	cached := models.NewCachedDeviceState(fp, session)

	stateRec, err := localstore.NewRecord(localstore.DeviceState, fp, session.DeviceID, m.now(), cached)
	if err != nil {
		return err
	}
	sessionRec, err := localstore.NewRecord(localstore.Sessions, session.ID, session.DeviceID, session.ConnectedAt, session)
	if err != nil {
		return err
	}

	return m.store.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.Put(stateRec); err != nil {
			return err
		}
		return tx.Put(sessionRec)
	})
}

// Heartbeat refreshes the session at the authority. Failures are logged, never returned.
func (m *Manager) Heartbeat(ctx context.Context) {
	m.mu.RLock()
	state, connected := m.state, m.connected
	var session models.SessionRecord
	if m.session != nil {
		session = *m.session
	}
	m.mu.RUnlock()

	if state != StateActive || !connected || session.ID == "" {
		return
	}

	ctx, span := observability.StartServiceSpan(ctx, "session", "heartbeat")
	defer span.End()
	logger := m.logger.WithContext(ctx).WithField("session_id", session.ID)

	callCtx, cancel := m.withTimeout(ctx)
	err := m.authority.Heartbeat(callCtx, session.DeviceID, session.SessionKey)
	cancel()

	if err != nil {
		observability.RecordError(span, err)
		m.opts.Metrics.RecordHeartbeatFailure(ctx)

		switch {
		case remote.IsRejected(err):
			logger.WithError(err).Warn("Authority no longer holds this session, marking stale")
			m.update(func() {
				if m.session != nil && m.session.ID == session.ID && m.state == StateActive {
					m.state = StateStale
				}
			})
		case remote.IsUnreachable(err):
			logger.WithError(err).Warn("Heartbeat failed, authority unreachable")
			m.markOffline()
			m.update(func() {
				if m.session != nil && m.session.ID == session.ID {
					m.connected = false
				}
			})
		default:
			logger.WithError(err).Warn("Heartbeat failed")
		}
		return
	}

	now := m.now()
	var updated *models.SessionRecord
	m.update(func() {
		if m.session != nil && m.session.ID == session.ID {
			m.session.Touch(now)
			s := *m.session
			updated = &s
		}
	})
	if updated != nil {
		if err := m.persist(ctx, updated); err != nil {
			logger.WithError(err).Warn("Failed to cache heartbeat")
		}
	}
	observability.SetSuccess(span)
}

// LogActivity appends an entry to the session's audit log without waiting.
// With no session it does nothing; offline or on failure the entry is queued.
func (m *Manager) LogActivity(ctx context.Context, activityType, category, description string, details map[string]any, severity models.Severity) {
	m.mu.RLock()
	st := m.statusLocked()
	m.mu.RUnlock()

	if !st.HasSession() {
		return
	}

	entry := models.NewActivityLogEntry(activityType, category, description, details, severity)
	queued := models.QueuedActivity{DeviceID: st.DeviceID, SessionID: st.SessionID, Entry: *entry}

	if !st.IsConnected || !m.conn.Online() {
		m.enqueueActivity(ctx, queued)
		return
	}

	err := m.pool.RunSafe(ctx, "activity-log", m.opts.RequestTimeout, func(ctx context.Context) {
		err := m.authority.AppendActivityLog(ctx, queued.DeviceID, queued.SessionID, &queued.Entry)
		switch {
		case err == nil:
		case remote.IsRejected(err):
			m.logger.WithError(err).Warn("Activity log entry rejected")
		default:
			m.logger.WithError(err).Debug("Activity log send failed, queueing")
			m.enqueueActivity(ctx, queued)
		}
	})
	if err != nil {
		m.enqueueActivity(ctx, queued)
	}
}

func (m *Manager) enqueueActivity(ctx context.Context, queued models.QueuedActivity) {
	if _, err := m.queue.Enqueue(ctx, models.ItemActivityLog, queued); err != nil {
		m.logger.WithError(err).Warn("Failed to queue activity log entry")
	}
}

// Disconnect ends the session. The remote call is best effort and bounded by
// DisconnectTimeout; local state is always cleared so the next Connect starts
// a fresh session.
func (m *Manager) Disconnect(ctx context.Context) error {
	ctx, span := observability.StartServiceSpan(ctx, "session", "disconnect")
	defer span.End()

	var (
		session   *models.SessionRecord
		connected bool
	)
	m.update(func() {
		session, connected = m.session, m.connected
		if session != nil {
			m.state = StateDisconnecting
		}
	})

	if session != nil && connected && m.conn.Online() {
		m.LogActivity(ctx, models.ActivitySessionDisconnected, models.CategorySession, "Device disconnected", nil, models.SeverityInfo)

		callCtx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
		err := m.authority.Disconnect(callCtx, session.DeviceID, session.SessionKey)
		cancel()
		if err != nil {
			m.logger.WithError(err).Warn("Remote disconnect failed, abandoning")
		}
	}

	fp := m.opts.Info.Fingerprint
	err := m.store.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.DeletePref(localstore.PrefSessionKey); err != nil {
			return err
		}
		if err := tx.Delete(localstore.DeviceState, fp); err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		closed := *session
		closed.Close(m.now())
		rec, err := localstore.NewRecord(localstore.Sessions, closed.ID, closed.DeviceID, closed.ConnectedAt, closed)
		if err != nil {
			return err
		}
		return tx.Put(rec)
	})

	m.update(func() {
		m.session = nil
		m.connected = false
		m.resumed = false
		m.state = StateTerminated
	})

	if session != nil {
		m.logger.WithField("session_id", session.ID).Info("Session disconnected")
	}

	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("clear local session: %w", err)
	}
	observability.SetSuccess(span)
	return nil
}
