package modforge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultRequestTimeout bounds Send when the caller does not override it.
	DefaultRequestTimeout = 30 * time.Second

	// staleRequestAge is the safety-net threshold: the periodic sweep
	// force-fails any pending entry older than this, guarding against leaked
	// subscriptions if a caller abandoned its wait.
	staleRequestAge = 5 * time.Minute

	sweepSchedule = "@every 1m"
)

// Request is a bus event that expects a correlated response. NewRequestID
// can supply the correlation id when the caller does not have one.
type Request interface {
	Event
	RequestIDCarrier
}

// Response is a bus event answering a Request with a matching RequestID.
type Response interface {
	Event
	RequestIDCarrier
}

// NewRequestID generates a correlation id for a request event.
func NewRequestID() string {
	return uuid.New().String()
}

type requestResult struct {
	response Response
	err      error
}

type pendingRequest struct {
	requestID string
	created   time.Time
	done      chan requestResult
	once      sync.Once
	sub       Subscription
}

// resolve completes the pending request exactly once. Later resolutions
// (a response racing the timeout, or the sweep racing a cancellation) are
// silently dropped.
func (p *pendingRequest) resolve(result requestResult) bool {
	resolved := false
	p.once.Do(func() {
		p.done <- result
		resolved = true
	})
	return resolved
}

// RequestResponseManager correlates a published request event with a future
// response event.
//
// Send publishes the request, registers a one-shot handler for the response
// event id that completes only on a matching RequestID, and waits with a
// per-call timeout (DefaultRequestTimeout unless overridden). A cron-driven
// sweep additionally fails entries older than staleRequestAge. Every pending
// entry is removed by exactly one of response arrival, cancellation or
// sweep.
type RequestResponseManager struct {
	bus    *EventBus
	logger Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	sweeper *cron.Cron
	started bool
}

// NewRequestResponseManager creates a manager bound to the bus. Call Start
// to begin the stale-entry sweep.
func NewRequestResponseManager(bus *EventBus, logger Logger) *RequestResponseManager {
	return &RequestResponseManager{
		bus:     bus,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Start launches the periodic stale-entry sweep. Idempotent.
func (m *RequestResponseManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.sweeper = cron.New()
	if _, err := m.sweeper.AddFunc(sweepSchedule, m.sweepStale); err != nil {
		return fmt.Errorf("failed to schedule request sweep: %w", err)
	}
	m.sweeper.Start()
	m.started = true
	return nil
}

// Stop halts the sweep and fails every still-pending request with
// ErrRequestCancelled.
func (m *RequestResponseManager) Stop() {
	m.mu.Lock()
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	m.started = false
	stranded := make([]*pendingRequest, 0, len(m.pending))
	for _, p := range m.pending {
		stranded = append(stranded, p)
	}
	m.pending = make(map[string]*pendingRequest)
	m.mu.Unlock()

	for _, p := range stranded {
		m.bus.Unsubscribe(p.sub) //nolint:errcheck // detach is best effort on shutdown
		p.resolve(requestResult{err: ErrRequestCancelled})
	}
}

// SendOption adjusts a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
}

// WithTimeout overrides DefaultRequestTimeout for one call.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// Send publishes request and blocks until a response event published under
// responseEventID carries the same RequestID, the timeout elapses
// (ErrRequestTimeout), or ctx is cancelled.
func (m *RequestResponseManager) Send(ctx context.Context, request Request, responseEventID string, opts ...SendOption) (Response, error) {
	if request == nil {
		return nil, ErrRequestNil
	}

	options := sendOptions{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	p := &pendingRequest{
		requestID: request.RequestID(),
		created:   time.Now(),
		done:      make(chan requestResult, 1),
	}

	// One-shot handler: only a matching RequestID resolves, and the
	// subscription detaches immediately on the match so a duplicate response
	// cannot deliver twice.
	sub, err := m.bus.Subscribe(responseEventID, m, func(event Event) error {
		response, ok := event.(Response)
		if !ok || response.RequestID() != p.requestID {
			return nil
		}
		m.remove(p.requestID)
		if p.resolve(requestResult{response: response}) {
			m.bus.Unsubscribe(p.sub) //nolint:errcheck // already one-shot via once
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for response %s: %w", responseEventID, err)
	}
	p.sub = sub

	m.mu.Lock()
	m.pending[p.requestID] = p
	m.mu.Unlock()

	if err := m.bus.Publish(request); err != nil {
		m.remove(p.requestID)
		m.bus.Unsubscribe(sub) //nolint:errcheck
		return nil, fmt.Errorf("failed to publish request %s: %w", request.EventID(), err)
	}

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case result := <-p.done:
		if result.err != nil {
			return nil, result.err
		}
		return result.response, nil
	case <-timer.C:
		m.remove(p.requestID)
		m.bus.Unsubscribe(sub) //nolint:errcheck
		p.resolve(requestResult{err: ErrRequestTimeout})
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, request.EventID(), options.timeout)
	case <-ctx.Done():
		m.remove(p.requestID)
		m.bus.Unsubscribe(sub) //nolint:errcheck
		p.resolve(requestResult{err: ErrRequestCancelled})
		return nil, fmt.Errorf("%w: %v", ErrRequestCancelled, ctx.Err())
	}
}

// PendingCount reports how many requests are awaiting responses.
func (m *RequestResponseManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *RequestResponseManager) remove(requestID string) {
	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
}

// sweepStale force-fails entries older than staleRequestAge.
func (m *RequestResponseManager) sweepStale() {
	cutoff := time.Now().Add(-staleRequestAge)

	m.mu.Lock()
	var stale []*pendingRequest
	for id, p := range m.pending {
		if p.created.Before(cutoff) {
			stale = append(stale, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		m.bus.Unsubscribe(p.sub) //nolint:errcheck
		if p.resolve(requestResult{err: ErrRequestSwept}) {
			m.logger.Warn("Swept stale pending request", "requestId", p.requestID, "age", time.Since(p.created))
		}
	}
}

// SendAs sends a request and asserts the response to a concrete type:
//
//	resp, err := modforge.SendAs[*InventoryResponse](mgr, ctx, req, "inventory_response")
func SendAs[T Response](m *RequestResponseManager, ctx context.Context, request Request, responseEventID string, opts ...SendOption) (T, error) {
	var zero T
	response, err := m.Send(ctx, request, responseEventID, opts...)
	if err != nil {
		return zero, err
	}
	typed, ok := response.(T)
	if !ok {
		return zero, fmt.Errorf("%w: response to %s is %T", ErrServiceWrongType, request.EventID(), response)
	}
	return typed, nil
}
