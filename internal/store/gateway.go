package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCancelled reports that the caller stopped waiting because its job
	// was cancelled. The in-flight query is abandoned, not killed; the store
	// finishes it on its own.
	ErrCancelled = errors.New("query cancelled")

	// ErrQueryTimeout reports that a single query exceeded the gateway's
	// per-query bound without being cancelled.
	ErrQueryTimeout = errors.New("query timeout")

	ErrGatewayClosed = errors.New("query gateway closed")
)

// CancelToken is the cooperative cancellation handle the gateway polls while
// waiting on a query.
type CancelToken interface {
	// Done is closed once cancellation has been requested.
	Done() <-chan struct{}
	// Err returns a non-nil cause once cancellation has been requested.
	Err() error
}

type request struct {
	client Client
	flux   string
	reply  chan response
}

type response struct {
	rows []Row
	err  error
}

// Gateway serializes every telemetry-store query in the process through a
// single worker, bounding the load any number of concurrent jobs can put on
// the store. Waiting callers poll their cancel token at a fixed interval and
// give up entirely after the query timeout.
type Gateway struct {
	timeout  time.Duration
	poll     time.Duration
	requests chan request
	closed   chan struct{}
	logger   *slog.Logger
}

func NewGateway(timeout, poll time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	g := &Gateway{
		timeout:  timeout,
		poll:     poll,
		requests: make(chan request),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	go g.worker()
	return g
}

func (g *Gateway) worker() {
	for {
		select {
		case req := <-g.requests:
			rows, err := req.client.Query(context.Background(), req.flux)
			// Buffered reply: an abandoned caller must not wedge the worker.
			req.reply <- response{rows: rows, err: err}
		case <-g.closed:
			return
		}
	}
}

func (g *Gateway) Close() {
	select {
	case <-g.closed:
	default:
		close(g.closed)
	}
}

// Execute runs one query on the given connection and waits for its rows.
// The worker keeps running an abandoned query to completion, matching the
// store's own behavior; only the wait is cancelled.
func (g *Gateway) Execute(client Client, tok CancelToken, flux, label string) ([]Row, error) {
	if tok != nil {
		if err := tok.Err(); err != nil {
			return nil, fmt.Errorf("%w before %s: %v", ErrCancelled, label, err)
		}
	}
	req := request{client: client, flux: flux, reply: make(chan response, 1)}
	select {
	case g.requests <- req:
	case <-g.closed:
		return nil, ErrGatewayClosed
	case <-tokDone(tok):
		return nil, fmt.Errorf("%w before %s", ErrCancelled, label)
	}

	deadline := time.NewTimer(g.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case resp := <-req.reply:
			if resp.err != nil {
				return nil, fmt.Errorf("%s: %w", label, resp.err)
			}
			return resp.rows, nil
		case <-ticker.C:
			if tok != nil && tok.Err() != nil {
				if g.logger != nil {
					g.logger.Info("abandoning in-flight query", "label", label)
				}
				return nil, fmt.Errorf("%w during %s", ErrCancelled, label)
			}
		case <-deadline.C:
			if g.logger != nil {
				g.logger.Warn("query exceeded timeout", "label", label, "timeout", g.timeout)
			}
			return nil, fmt.Errorf("%w after %s: %s", ErrQueryTimeout, g.timeout, label)
		}
	}
}

func tokDone(tok CancelToken) <-chan struct{} {
	if tok == nil {
		return nil
	}
	return tok.Done()
}

// Session binds one job's store connection and cancel token to the shared
// gateway.
type Session struct {
	gw     *Gateway
	client Client
	tok    CancelToken
}

func NewSession(gw *Gateway, client Client, tok CancelToken) *Session {
	return &Session{gw: gw, client: client, tok: tok}
}

func (s *Session) Query(flux, label string) ([]Row, error) {
	return s.gw.Execute(s.client, s.tok, flux, label)
}

func (s *Session) Close() {
	s.client.Close()
}
