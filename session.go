package chatwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/chat"
	"github.com/chatwire/chatwire/metrics"
	"github.com/chatwire/chatwire/store"
)

// Reply lines of the session state machine. Clients display them verbatim.
const (
	replyAuthFailure      = "Authentication failure"
	replyServerError      = "Server error"
	replyPermissionDenied = "Permission denied, login first using .login <username> <password>"
	replyAlreadyLoggedIn  = "Already logged in!"
	replyPasswordUpdated  = "Password updated successfully"
)

// UserStore is the persistence surface sessions run against. *store.Store
// implements it; tests may substitute their own.
type UserStore interface {
	Authenticate(ctx context.Context, username, password string) (store.User, error)
	Signup(ctx context.Context, username, password string) (store.User, error)
	ChangePassword(ctx context.Context, user store.User, newPassword string) error
	SaveMessage(ctx context.Context, user store.User, m chat.Message) error
}

// Session drives one accepted connection. It starts unauthenticated; a
// successful login or signup moves it to the authenticated state where chat
// traffic is persisted and fanned out. Sessions are self terminating, nothing
// outside holds a reference to them.
type Session struct {
	conn  net.Conn
	raddr string
	codec *chat.FrameCodec
	sub   *chat.Subscription
	done  chan struct{}

	store   UserStore
	bus     *chat.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger

	// user is nil until the session authenticates.
	user *store.User
}

func newSession(conn net.Conn, srv *Server) *Session {
	raddr := conn.RemoteAddr().String()
	return &Session{
		conn:    conn,
		raddr:   raddr,
		codec:   chat.NewFrameCodec(conn, chat.WithMaxFrameSize(srv.maxFrame)),
		done:    make(chan struct{}),
		store:   srv.store,
		bus:     srv.bus,
		metrics: srv.metrics,
		log:     srv.log.With().Str("raddr", raddr).Logger(),
	}
}

// run owns the connection until the session is over. Both event sources, the
// socket and the broadcast subscription, are served from one select loop so
// neither can starve the other.
func (s *Session) run(ctx context.Context) {
	s.log.Debug().Msg("New connection")
	s.sub = s.bus.Subscribe()
	defer s.close()

	inbound := make(chan chat.Message)
	readErr := make(chan error, 1)
	go s.readLoop(inbound, readErr)

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-s.sub.C():
			// Unauthenticated peers see no traffic, and nobody gets an
			// echo of their own message.
			if s.user == nil || env.From == s.raddr {
				continue
			}
			if err := s.codec.Send(env.Msg); err != nil {
				s.log.Error().Err(err).Msg("Broadcast write failed")
				return
			}

		case m := <-inbound:
			quit, err := s.handle(ctx, m)
			if err != nil {
				s.log.Error().Err(err).Msg("Session failed")
				return
			}
			if quit {
				s.log.Info().Msg("Session ended by quit")
				return
			}

		case err := <-readErr:
			if isDisconnect(err) {
				s.log.Info().Msgf("Client %s disconnected", s.raddr)
			} else {
				s.log.Error().Err(err).Msg("Read error")
			}
			return
		}
	}
}

// readLoop pumps decoded frames to the session loop. Heartbeats and expired
// read deadlines produce no message and are skipped here.
func (s *Session) readLoop(inbound chan<- chat.Message, readErr chan<- error) {
	for {
		m, err := s.codec.ReadNext()
		if err != nil {
			readErr <- err
			return
		}
		if m == nil {
			continue
		}
		select {
		case inbound <- m:
		case <-s.done:
			return
		}
	}
}

// handle applies one inbound message to the state machine. It reports whether
// the session ends cleanly; a returned error ends the session as failed.
func (s *Session) handle(ctx context.Context, m chat.Message) (quit bool, err error) {
	if s.user == nil {
		return false, s.handleUnauthenticated(ctx, m)
	}
	return s.handleAuthenticated(ctx, m)
}

func (s *Session) handleUnauthenticated(ctx context.Context, m chat.Message) error {
	switch m := m.(type) {
	case *chat.Login:
		user, err := s.store.Authenticate(ctx, m.Username, m.Password)
		switch {
		case err == nil:
			s.setAuthenticated(user)
			return s.reply("Welcome, " + m.Username)
		case errors.Is(err, store.ErrAuthFailed):
			return s.reply(replyAuthFailure)
		default:
			s.log.Error().Err(err).Msg("Authenticate failed")
			return s.reply(replyServerError)
		}

	case *chat.Signup:
		user, err := s.store.Signup(ctx, m.Username, m.Password)
		switch {
		case err == nil:
			s.setAuthenticated(user)
			return s.reply("Welcome, " + m.Username)
		case errors.Is(err, store.ErrUserExists):
			return s.reply(fmt.Sprintf("Username %s already exists!", m.Username))
		default:
			s.log.Error().Err(err).Msg("Signup failed")
			return nil
		}

	default:
		return s.reply(replyPermissionDenied)
	}
}

func (s *Session) handleAuthenticated(ctx context.Context, m chat.Message) (bool, error) {
	switch m := m.(type) {
	case *chat.Login, *chat.Signup:
		return false, s.reply(replyAlreadyLoggedIn)

	case *chat.Passwd:
		if err := s.store.ChangePassword(ctx, *s.user, m.NewPassword); err != nil {
			s.replyBestEffort(replyServerError)
			return false, fmt.Errorf("change password err=%w", err)
		}
		return false, s.reply(replyPasswordUpdated)

	case *chat.Quit:
		return true, nil

	default:
		// Persist first, then publish. History may hold messages no live
		// subscriber saw, never the other way around.
		if err := s.store.SaveMessage(ctx, *s.user, m); err != nil {
			s.replyBestEffort(replyServerError)
			return false, fmt.Errorf("save message err=%w", err)
		}
		s.bus.Publish(chat.Envelope{From: s.raddr, User: s.user.Name, Msg: m})
		s.metrics.MessageSent()
		return false, nil
	}
}

func (s *Session) setAuthenticated(user store.User) {
	s.user = &user
	s.metrics.UserConnected()
	s.log.Info().Str("user", user.Name).Msg("User authenticated")
}

func (s *Session) reply(text string) error {
	if err := s.codec.Send(&chat.Text{Body: text}); err != nil {
		return fmt.Errorf("reply write err=%w", err)
	}
	return nil
}

// replyBestEffort is used on the way out of a failing session, where a write
// failure changes nothing.
func (s *Session) replyBestEffort(text string) {
	if err := s.reply(text); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send error reply")
	}
}

func (s *Session) close() {
	close(s.done)
	s.sub.Close()
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Msg("Connection close failed")
	}
	if s.user != nil {
		s.metrics.UserDisconnected()
	}
}

// isDisconnect reports whether err is the peer going away rather than a
// protocol or server failure. Connection resets surface as ECONNRESET on
// both linux and darwin.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
