package chatwire

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/chatwire/chat"
	"github.com/chatwire/chatwire/metrics"
	"github.com/chatwire/chatwire/store"
)

// Server is the chat listener. Every accepted connection gets its own
// session goroutine and a fresh subscription on the shared broadcast bus.
type Server struct {
	store   *store.Store
	bus     *chat.Bus
	metrics *metrics.Metrics

	log zerolog.Logger

	busCapacity int
	maxFrame    uint32
}

type ServerOption func(s *Server) error

// WithServerLogger allows customizing server logger
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// WithServerBusCapacity overrides the per subscriber broadcast queue depth.
func WithServerBusCapacity(capacity int) ServerOption {
	return func(s *Server) error {
		if capacity <= 0 {
			return fmt.Errorf("bus capacity must be positive, got %d", capacity)
		}
		s.busCapacity = capacity
		return nil
	}
}

// WithServerMetrics shares a metric set with the server, normally the one
// the web console exposes.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// WithServerMaxFrameSize overrides the per frame payload limit of sessions.
func WithServerMaxFrameSize(n uint32) ServerOption {
	return func(s *Server) error {
		s.maxFrame = n
		return nil
	}
}

// NewServer creates a chat server handle on top of an opened store.
func NewServer(st *store.Store, options ...ServerOption) (*Server, error) {
	if st == nil {
		return nil, errors.New("server requires a store")
	}
	s := &Server{
		store:       st,
		busCapacity: chat.DefaultBusCapacity,
		maxFrame:    chat.DefaultMaxFrameSize,
		log:         log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.bus = chat.NewBus(s.busCapacity)
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s, nil
}

// Bus returns the broadcast bus shared by all sessions. The web console
// subscribes here for its live message feed.
func (srv *Server) Bus() *chat.Bus {
	return srv.bus
}

// Metrics returns the metric set the server reports into.
func (srv *Server) Metrics() *metrics.Metrics {
	return srv.metrics
}

// ListenAndServe binds addr and serves until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("fail to resolve address. err=%w", err)
	}
	l, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return fmt.Errorf("listen tcp error. err=%w", err)
	}
	return srv.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done or the listener fails.
// Sessions already running are not tracked here; each one ends on its own
// when its connection or ctx ends.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv.log.Info().Msgf("Listening on %s", l.Addr().String())
	go func() {
		<-ctx.Done()
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.log.Error().Err(err).Msg("Failed to close listener")
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				srv.log.Debug().Msg("Listener closed")
				return nil
			}
			return fmt.Errorf("accept error. err=%w", err)
		}
		go newSession(conn, srv).run(ctx)
	}
}
