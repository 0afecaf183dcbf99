// Package pull serves monitoring payloads to sites that connect to the
// controller over mutual TLS.
//
// Every accepted connection is checked against the IP allow-list, admitted
// against a fixed number of slots, authenticated against the registry entry
// selected by the TLS server name, and then receives exactly one payload
// before the controller closes it. The whole lifetime of a connection is
// bounded by the configured connection timeout.
package pull

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ctltls "github.com/polisai/polis-agent-ctl/internal/tls"
	"github.com/polisai/polis-agent-ctl/pkg/agentchannel"
	"github.com/polisai/polis-agent-ctl/pkg/metrics"
	"github.com/polisai/polis-agent-ctl/pkg/registry"
	"github.com/polisai/polis-agent-ctl/pkg/wire"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

var (
	errIPNotAllowed = errors.New("peer address not in allowed_ip")
	errCapacity     = errors.New("max_connections reached")
	errNoEntry      = errors.New("no pull registration matches the requested server name")
	errShutdown     = errors.New("server shutting down")
)

// Result describes how one connection ended.
type Result struct {
	Remote string
	// State is the terminal state: Closed, Rejected, TimedOut or Error.
	State State
	// Reached is the last non-terminal state the connection entered.
	Reached State

	Site     string
	Err      error
	Bytes    int
	Duration time.Duration
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Accepted int64
	Admitted int64
	Served   int64
	Rejected int64
	TimedOut int64
	Errors   int64
	Active   int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records Prometheus metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracerProvider sets the provider of connection spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp.Tracer("agentctl.pull")
		}
	}
}

// WithObserver registers fn to be called once per finished connection.
func WithObserver(fn func(Result)) Option {
	return func(s *Server) {
		s.observer = fn
	}
}

// Server accepts pull connections.
type Server struct {
	cfg        Config
	registry   *registry.Registry
	channel    agentchannel.Channel
	allow      *AllowList
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tlsMetrics *ctltls.TLSMetricsCollector
	tracer     trace.Tracer
	observer   func(Result)

	// slots holds one token per admitted connection.
	slots chan struct{}

	// connCtx parents every connection; it is cancelled when a shutdown
	// gives up waiting.
	connCtx    context.Context
	cancelConn context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup

	accepted atomic.Int64
	admitted atomic.Int64
	served   atomic.Int64
	rejected atomic.Int64
	timedOut atomic.Int64
	errored  atomic.Int64
	active   atomic.Int64
}

// NewServer creates a pull server. reg and channel are shared with the rest
// of the process; reg may change while the server runs.
func NewServer(cfg Config, reg *registry.Registry, channel agentchannel.Channel, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("pull server requires a registry")
	}
	if channel == nil {
		return nil, errors.New("pull server requires an agent channel")
	}
	allow, err := ParseAllowList(cfg.AllowedIP)
	if err != nil {
		return nil, err
	}
	if cfg.Compression == "" {
		cfg.Compression = wire.CompressionNone
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		channel:  channel,
		allow:    allow,
		logger:   slog.Default(),
		tracer:   otel.Tracer("agentctl.pull"),
		slots:    make(chan struct{}, cfg.MaxConnections),
		conns:    make(map[net.Conn]struct{}),
	}
	s.connCtx, s.cancelConn = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "pull_server")

	tlsMetrics, err := ctltls.GetTLSMetricsCollector(s.logger)
	if err != nil {
		s.logger.Warn("TLS metrics unavailable", "error", err)
	}
	s.tlsMetrics = tlsMetrics

	return s, nil
}

// Start binds the listen address and accepts connections in the background
// until ctx is cancelled or Shutdown is called. Cancelling ctx stops
// accepting; connections already accepted run to completion.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("pull server already started")
	}

	address := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return ctltls.NewListenerCreateError(address, err)
	}
	s.listener = listener

	s.logger.Info("Pull server listening",
		"addr", listener.Addr().String(),
		"allowed_ip", s.allow.String(),
		"max_connections", s.cfg.MaxConnections,
		"connection_timeout", s.cfg.ConnectionTimeout,
		"compression", string(s.cfg.Compression))

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		listener.Close()
	})
	return nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled, then
// waits up to gracePeriod for in-flight connections.
func (s *Server) ListenAndServe(ctx context.Context, gracePeriod time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for in-flight connections. When ctx
// expires first, the remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelConn()
		s.logger.Info("Pull server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Pull server shutdown timeout exceeded, closing connections")
		s.cancelConn()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Admitted: s.admitted.Load(),
		Served:   s.served.Load(),
		Rejected: s.rejected.Load(),
		TimedOut: s.timedOut.Load(),
		Errors:   s.errored.Load(),
		Active:   s.active.Load(),
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.logger.Warn("Accept failed, retrying", "error", err, "backoff", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handle(s.connCtx, conn)
	}
}

// connection tracks the lifecycle of one accepted socket.
type connection struct {
	raw     net.Conn
	remote  string
	state   State
	reached State
	site    string
	bytes   int
	err     error
	logger  *slog.Logger
	span    trace.Span
}

func (c *connection) transition(next State) {
	if !canTransition(c.state, next) {
		c.logger.Error("Invalid connection state transition", "from", c.state.String(), "to", next.String())
		next = StateError
	}
	c.logger.Debug("Connection state", "from", c.state.String(), "to", next.String())
	c.span.AddEvent(next.String())
	if !next.Terminal() {
		c.reached = next
	}
	c.state = next
}

func (c *connection) fail(next State, err error) {
	c.err = err
	c.transition(next)
}

// handle runs one connection to completion. Every exit path closes the
// socket and releases the admission slot.
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()
	start := time.Now()
	s.accepted.Add(1)
	s.track(raw)
	defer s.untrack(raw)
	defer raw.Close()

	connCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(connCtx, func() { raw.Close() })
	defer stop()
	if deadline, ok := connCtx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	remote := raw.RemoteAddr().String()
	connCtx, span := s.tracer.Start(connCtx, "pull.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", remote)))
	defer span.End()

	c := &connection{
		raw:     raw,
		remote:  remote,
		state:   StateAccepted,
		reached: StateAccepted,
		logger:  s.logger.With("remote_addr", remote),
		span:    span,
	}

	defer func() {
		if r := recover(); r != nil {
			if !c.state.Terminal() {
				c.fail(StateError, ctltls.NewConnectionHandleError(remote, "panic", fmt.Errorf("%v", r)))
			}
		}
		s.finish(c, time.Since(start))
	}()

	s.serve(connCtx, c)
}

func (s *Server) serve(ctx context.Context, c *connection) {
	if !s.allow.AllowsRemote(c.raw.RemoteAddr()) {
		s.metrics.RecordPullRejection(metrics.ReasonIPNotAllowed)
		c.fail(StateRejected, errIPNotAllowed)
		return
	}
	c.transition(StateIPChecked)

	select {
	case s.slots <- struct{}{}:
	default:
		s.metrics.RecordPullRejection(metrics.ReasonCapacity)
		c.fail(StateRejected, errCapacity)
		return
	}
	s.admitted.Add(1)
	s.active.Add(1)
	s.metrics.PullAdmitted()
	defer func() {
		<-s.slots
		s.active.Add(-1)
		s.metrics.PullReleased()
	}()

	c.transition(StateHandshaking)
	var selected registry.Entry
	tlsConn := tls.Server(c.raw, &tls.Config{
		MinVersion:         tls.VersionTLS12,
		GetConfigForClient: s.configForClient(&selected),
	})

	handshakeStart := time.Now()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if ctltls.IsCertificateError(err) {
			// The registered material itself is unusable; the peer is not at fault.
			s.tlsMetrics.RecordHandshakeError(ctx, "server", err)
			c.logger.Error("Registered trust material cannot be loaded",
				"site", selected.Site.String(), "error", err)
			c.fail(StateError, err)
			return
		}
		classified := ctltls.ClassifyHandshakeError(err)
		if ctx.Err() != nil {
			classified = ctltls.NewHandshakeTimeoutError(err)
		}
		s.tlsMetrics.RecordHandshakeError(ctx, "server", classified)
		if errors.Is(classified, ctltls.ErrHandshakeTimeout) {
			c.fail(s.deadlineState(ctx), classified)
			return
		}
		s.metrics.RecordPullRejection(metrics.ReasonUntrusted)
		c.fail(StateRejected, classified)
		return
	}
	state := tlsConn.ConnectionState()
	s.tlsMetrics.RecordHandshakeSuccess(ctx, "server", ctltls.VersionName(state.Version), time.Since(handshakeStart))

	c.site = selected.Site.String()
	c.logger = c.logger.With("site", c.site)
	c.span.SetAttributes(
		attribute.String("agentctl.site", c.site),
		attribute.String("tls.version", ctltls.VersionName(state.Version)),
		attribute.String("tls.peer.common_name", ctltls.PeerCommonName(state)))
	c.transition(StateAuthenticated)

	c.transition(StateStreaming)
	payload, err := s.channel.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.fail(s.deadlineState(ctx), err)
			return
		}
		s.metrics.RecordAgentFetchError()
		c.fail(StateError, err)
		return
	}

	n, err := wire.WritePayload(tlsConn, payload, s.cfg.Compression)
	c.bytes = n
	if err != nil {
		if ctx.Err() != nil {
			c.fail(s.deadlineState(ctx), err)
			return
		}
		c.fail(StateError, ctltls.NewConnectionHandleError(c.remote, "write payload", err))
		return
	}
	if err := tlsConn.Close(); err != nil && ctx.Err() == nil {
		c.fail(StateError, ctltls.NewConnectionHandleError(c.remote, "close", err))
		return
	}
	c.transition(StateClosed)
}

// deadlineState maps an expired connection context to its terminal state.
// Cancellation of the parent means the server is stopping.
func (s *Server) deadlineState(ctx context.Context) State {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StateTimedOut
	}
	return StateError
}

// configForClient selects the trust material by TLS server name. Sites send
// the controller UUID as server name; a client without server name is served
// only when exactly one pull registration exists.
func (s *Server) configForClient(selected *registry.Entry) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		entry, ok := s.resolveEntry(hello.ServerName)
		if !ok {
			return nil, ctltls.NewUntrustedPeerError(errNoEntry).WithContext("server_name", hello.ServerName)
		}
		*selected = entry
		return ctltls.ServerConfig(entry.Connection.Trust)
	}
}

func (s *Server) resolveEntry(serverName string) (registry.Entry, bool) {
	if serverName != "" {
		return s.registry.FindPullByUUID(serverName)
	}
	pulls := s.registry.PullConnections()
	if len(pulls) == 1 {
		return pulls[0], true
	}
	return registry.Entry{}, false
}

func (s *Server) finish(c *connection, duration time.Duration) {
	if !c.state.Terminal() {
		c.fail(StateError, errShutdown)
	}

	var outcome string
	switch c.state {
	case StateClosed:
		s.served.Add(1)
		outcome = metrics.OutcomeServed
		s.metrics.RecordBytesSent(c.bytes)
		c.logger.Info("Payload delivered", "bytes", c.bytes, "duration", duration)
	case StateRejected:
		s.rejected.Add(1)
		outcome = metrics.OutcomeRejected
		c.logger.Info("Connection rejected", "reached", c.reached.String(), "reason", c.err)
	case StateTimedOut:
		// Timeouts count as rejections as well.
		s.timedOut.Add(1)
		s.rejected.Add(1)
		outcome = metrics.OutcomeTimedOut
		c.logger.Warn("Connection timed out", "reached", c.reached.String(), "timeout", s.cfg.ConnectionTimeout)
	default:
		s.errored.Add(1)
		outcome = metrics.OutcomeError
		c.logger.Error("Connection failed", "reached", c.reached.String(), "error", c.err)
	}
	s.metrics.RecordPullConnection(outcome, duration)

	c.span.SetAttributes(attribute.String("agentctl.pull.outcome", c.state.String()))
	if c.state != StateClosed {
		c.span.SetStatus(codes.Error, c.state.String())
	}

	if s.observer != nil {
		s.observer(Result{
			Remote:   c.remote,
			State:    c.state,
			Reached:  c.reached,
			Site:     c.site,
			Err:      c.err,
			Bytes:    c.bytes,
			Duration: duration,
		})
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
