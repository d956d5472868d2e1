package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/observability"
)

const (
	// IdempotencyHeader carries the client-side id of a submission
	IdempotencyHeader = "Idempotency-Key"
	// DeviceIDHeader names the calling device for per-device rate limiting
	DeviceIDHeader = observability.DeviceIDHeader
)

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// Timeout bounds each call, including connect and heartbeat
	Timeout    time.Duration
	HTTPClient *http.Client
	// BreakerFailures consecutive unreachable results open the breaker
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker rejects calls before probing again
	BreakerCooldown time.Duration
}

// Client is the HTTP implementation of Authority
type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	timeout      time.Duration
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	logger       *observability.Logger
}

// NewClient creates an authority client
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	logger := observability.WithField("component", "authority-client")

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// The authority answered, so the link is healthy even if it said no
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err) || errors.Is(err, errNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		apiKeyHeader: opts.APIKeyHeader,
		timeout:      opts.Timeout,
		httpClient:   opts.HTTPClient,
		breaker:      breaker,
		logger:       logger,
	}
}

type call struct {
	op             string
	method         string
	path           string
	query          url.Values
	body           any
	out            any
	idempotencyKey string
	deviceID       string
	// notFoundOK turns a 404 into a nil error with out untouched
	notFoundOK bool
}

var errNotFound = errors.New("not found")

func (c *Client) do(ctx context.Context, cl call) error {
	ctx, span := observability.StartClientSpan(ctx, cl.op)
	defer span.End()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, cl)
	})

	switch {
	case errors.Is(err, errNotFound):
		observability.SetSuccess(span)
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = unreachable(cl.op, 0, "circuit breaker open")
	}

	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	observability.SetSuccess(span)
	return nil
}

func (c *Client) send(ctx context.Context, cl call) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return rejected(cl.op, 0, fmt.Sprintf("encode request: %v", err))
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return rejected(cl.op, 0, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}
	if cl.idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, cl.idempotencyKey)
	}
	if cl.deviceID != "" {
		req.Header.Set(DeviceIDHeader, cl.deviceID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unreachable(cl.op, 0, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return unreachable(cl.op, resp.StatusCode, fmt.Sprintf("read response: %v", err))
	}

	if cl.notFoundOK && resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(cl.op, resp.StatusCode, errorMessage(respBody))
	}

	if cl.out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, cl.out); err != nil {
			return rejected(cl.op, resp.StatusCode, fmt.Sprintf("decode response: %v", err))
		}
	}
	return nil
}

func errorMessage(body []byte) string {
	var er models.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(body))
}

// UpsertDevice registers a device by fingerprint
func (c *Client) UpsertDevice(ctx context.Context, info models.DeviceInfo) (string, error) {
	var resp models.UpsertDeviceResponse
	err := c.do(ctx, call{
		op:     "upsertDevice",
		method: http.MethodPost,
		path:   "/api/devices/upsert",
		body: models.UpsertDeviceRequest{
			Fingerprint: info.Fingerprint,
			DeviceType:  info.DeviceType,
			Browser:     info.Browser,
			OS:          info.OS,
		},
		out: &resp,
	})
	if err != nil {
		return "", err
	}
	if resp.DeviceID == "" {
		return "", rejected("upsertDevice", http.StatusOK, "response has no deviceId")
	}
	return resp.DeviceID, nil
}

// FindActiveSession looks up the active session for (deviceID, sessionKey)
func (c *Client) FindActiveSession(ctx context.Context, deviceID, sessionKey string) (*models.ActiveSession, error) {
	var resp models.ActiveSession
	err := c.do(ctx, call{
		op:         "findActiveSession",
		method:     http.MethodGet,
		path:       "/api/sessions/active",
		deviceID:   deviceID,
		query:      url.Values{"deviceId": {deviceID}, "sessionKey": {sessionKey}},
		out:        &resp,
		notFoundOK: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, nil
	}
	return &resp, nil
}

// CreateSession opens a new session, closing any other active one for the device
func (c *Client) CreateSession(ctx context.Context, deviceID, sessionKey string, info models.DeviceInfo) (*models.ActiveSession, error) {
	var resp models.CreateSessionResponse
	err := c.do(ctx, call{
		op:       "createSession",
		method:   http.MethodPost,
		path:     "/api/sessions",
		deviceID: deviceID,
		body: models.CreateSessionRequest{
			DeviceID:   deviceID,
			SessionKey: sessionKey,
			DeviceInfo: info,
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, rejected("createSession", http.StatusOK, "response has no sessionId")
	}
	return &models.ActiveSession{
		SessionID:       resp.SessionID,
		ConnectedAt:     resp.ConnectedAt,
		LastHeartbeatAt: resp.ConnectedAt,
	}, nil
}

// Heartbeat refreshes the session's last heartbeat
func (c *Client) Heartbeat(ctx context.Context, deviceID, sessionKey string) error {
	return c.do(ctx, call{
		op:       "heartbeat",
		method:   http.MethodPost,
		path:     "/api/sessions/heartbeat",
		deviceID: deviceID,
		body:     models.SessionKeyRequest{DeviceID: deviceID, SessionKey: sessionKey},
	})
}

// Disconnect closes the session
func (c *Client) Disconnect(ctx context.Context, deviceID, sessionKey string) error {
	return c.do(ctx, call{
		op:       "disconnect",
		method:   http.MethodPost,
		path:     "/api/sessions/disconnect",
		deviceID: deviceID,
		body:     models.SessionKeyRequest{DeviceID: deviceID, SessionKey: sessionKey},
	})
}

// AppendActivityLog appends to the session's audit log
func (c *Client) AppendActivityLog(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) error {
	return c.do(ctx, call{
		op:       "appendActivityLog",
		method:   http.MethodPost,
		path:     "/api/activity",
		deviceID: deviceID,
		body: models.AppendActivityRequest{
			DeviceID:  deviceID,
			SessionID: sessionID,
			Entry:     *entry,
		},
		idempotencyKey: entry.ID,
	})
}

// SubmitBatteryReading delivers a queued reading
func (c *Client) SubmitBatteryReading(ctx context.Context, reading *models.BatteryReading) error {
	return c.do(ctx, call{
		op:             "submitBatteryReading",
		method:         http.MethodPost,
		path:           "/api/readings",
		deviceID:       reading.DeviceID,
		body:           reading,
		idempotencyKey: reading.ID,
	})
}

// SubmitRewardClaim delivers a queued claim
func (c *Client) SubmitRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	return c.do(ctx, call{
		op:             "submitRewardClaim",
		method:         http.MethodPost,
		path:           "/api/claims",
		deviceID:       claim.DeviceID,
		body:           claim,
		idempotencyKey: claim.ID,
	})
}

// Ping checks the health endpoint without going through the breaker
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, call{op: "ping", method: http.MethodGet, path: "/api/health"})
}
