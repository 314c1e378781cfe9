package tunnel

import (
	"context"
	"net"
	"sync"
	"time"
)

// channelRequestTimeout bounds how long a freshly accepted
// OpenChannelRequest connection waits to be matched into a session's
// pending-client queue before it's given up on.
const channelRequestTimeout = 10 * time.Second

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ServerConfig bundles a Server's dependencies. Profiles must be
// populated (directly or via InsertProfile) before a client can open a
// session against them; an empty registry rejects every OpenSessionRequest.
type ServerConfig struct {
	// ControlAddr is the address the server listens on for client
	// control connections, e.g. ":9000".
	ControlAddr string

	// Profiles is the registry of known profiles. Server wires its own
	// session-termination callback onto it, so passing a registry
	// already in use by another Server is not supported.
	Profiles *ProfileRegistry

	// SessionIdleTimeout is forwarded to every Session the manager
	// spawns. Zero disables the idle timeout entirely.
	SessionIdleTimeout time.Duration

	Log     Logger
	Metrics *Metrics
}

// Server accepts client control connections, classifies each opening
// frame, and dispatches to the SessionManager. It mirrors the
// accept-loop-with-backoff shape of nwaples/tacplus's Server.Serve,
// generalized so each accepted connection is dispatched to its own
// goroutine rather than a single shared RequestHandler.
type Server struct {
	cfg     ServerConfig
	log     Logger
	manager *SessionManager

	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a Server and its SessionManager, and wires the
// profile registry's removal callback so that dropping a profile also
// terminates any session currently serving it (spec §4.5).
func NewServer(cfg ServerConfig) *Server {
	log := orDefaultLogger(cfg.Log)
	s := &Server{
		cfg:        cfg,
		log:        log,
		manager:    NewSessionManager(cfg.SessionIdleTimeout, log, cfg.Metrics),
		shutdownCh: make(chan struct{}),
	}
	if cfg.Profiles != nil {
		cfg.Profiles.onRemove = func(h Hash) { s.manager.Terminate(h) }
	}
	return s
}

// Serve binds the control listener and accepts client connections
// until ctx is canceled or Shutdown is called, at which point it waits
// for every in-flight control connection handler to return before
// returning itself.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	s.log.Infof("listening for control connections on %s", listener.Addr())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdownCh:
		}
		listener.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			case <-s.shutdownCh:
				s.wg.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck
				if backoff == 0 {
					backoff = minAcceptBackoff
				} else {
					backoff *= 2
				}
				if backoff > maxAcceptBackoff {
					backoff = maxAcceptBackoff
				}
				s.log.Warnf("accept error: %v; retrying in %s", err, backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleControl(conn)
		}()
	}
}

// Shutdown stops accepting new control connections, terminates every
// live session, and stops the session manager's background reaper.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.manager.TerminateAll()
	s.manager.Close()
}

// Manager exposes the underlying SessionManager, e.g. for an embedder
// that wants to inspect session state outside the wire protocol.
func (s *Server) Manager() *SessionManager { return s.manager }

// IsProfileActive composes ProfileRegistry.Lookup and
// SessionManager.State (spec §4.5's is_profile_active): a profile is
// active only if it is both registered and currently serving at least
// one channel. Unlike is_profile_online, this isn't a ProfileRegistry
// method on its own - the registry has no visibility into sessions, so
// the composition lives here, where both are already wired together.
func (s *Server) IsProfileActive(h Hash) bool {
	if _, ok := s.cfg.Profiles.Lookup(h); !ok {
		return false
	}
	return s.manager.State(h) == SessionActive
}

// handleControl classifies one freshly accepted control connection's
// opening frame and dispatches it. An OpenSessionRequest connection is
// handed off to the SessionManager and owned by the resulting Session
// for the rest of its life; an OpenChannelRequest connection is handed
// off as a one-shot data socket and this function returns once it has
// been queued (or rejected).
func (s *Server) handleControl(conn net.Conn) {
	msg, err := ReadOpeningMessage(conn)
	if err != nil {
		s.log.Debugf("control connection %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	switch msg.Kind {
	case KindOpenSessionRequest:
		s.handleOpenSession(conn, msg.Hash)
	case KindOpenChannelRequest:
		s.handleOpenChannel(conn, msg.Hash)
	default:
		s.log.Warnf("control connection %s: unexpected opening kind %s", conn.RemoteAddr(), msg.Kind)
		_ = WriteMessage(conn, Reject)
		conn.Close()
	}
}

func (s *Server) handleOpenSession(conn net.Conn, h Hash) {
	profile, ok := s.cfg.Profiles.Lookup(h)
	if !ok {
		s.log.Warnf("rejecting OpenSessionRequest for unknown profile %s", h)
		_ = WriteMessage(conn, Reject)
		conn.Close()
		return
	}
	if err := WriteMessage(conn, Ack); err != nil {
		conn.Close()
		return
	}
	s.manager.Spawn(conn, profile)
}

func (s *Server) handleOpenChannel(conn net.Conn, h Hash) {
	if !s.manager.SessionExists(h) {
		s.log.Warnf("rejecting OpenChannelRequest for unknown session %s", h)
		_ = WriteMessage(conn, Reject)
		conn.Close()
		return
	}
	if err := WriteMessage(conn, Ack); err != nil {
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), channelRequestTimeout)
	defer cancel()
	if err := s.manager.RequestChannel(ctx, h, conn); err != nil {
		s.log.Warnf("queuing data socket for session %s: %v", h, err)
		conn.Close()
	}
}
