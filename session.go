package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// pendingQueueSize bounds the session's two matching queues (spec §5
// resource caps). A full queue suspends its producer - that suspension
// *is* the backpressure, not a failure.
const pendingQueueSize = 64

// visitorAuthDeadline bounds how long a single visitor's Authenticate
// frame may take to arrive. The original source had no such timeout;
// spec §9's third Open Question suggests one so a slow or silent
// visitor can't stall every visitor behind it in the FIFO acceptor loop.
const visitorAuthDeadline = 5 * time.Second

// Session is one live tunnel: it owns the control socket to a client for
// its entire lifetime, a visitor listener bound to the profile's
// visitor address, a bounded matching queue in each direction, and the
// set of live Channels those queues produce.
//
// Session runs its internal activities - visitor acceptor, channel
// creator, channel reaper - as an errgroup.Group sharing one
// cancelable context, rather than four bare goroutines coordinated by
// hand as the original Rust implementation did with tokio::select!.
// Whichever activity ends first cancels the context the others are
// watching, which collapses the session exactly the way spec §4.3
// describes: the session is as alive as its least healthy component.
type Session struct {
	hash    Hash
	profile Profile

	control net.Conn
	log     Logger
	metrics *Metrics

	idleTimeout time.Duration

	pendingVisitors chan net.Conn
	pendingClients  chan net.Conn
	channelDone     chan ChannelID

	mu       sync.Mutex
	channels map[ChannelID]*Channel

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}

	addrReady chan struct{}
	addr      net.Addr
}

// NewSession constructs a Session for profile over control and starts
// its background task. completion receives the Session itself at most
// once, when its task has fully exited for any reason; the send does
// not block, so the notice is dropped if completion has no room. This
// lets a SessionManager remove it from its map without polling - carrying
// the Session (not just its Hash) lets the manager tell apart a stale
// completion notice from an overwritten session from its replacement,
// which shares the same Hash.
func NewSession(control net.Conn, profile Profile, idleTimeout time.Duration, completion chan<- *Session, log Logger, metrics *Metrics) *Session {
	if log == nil {
		log = nopLogger{}
	}
	hash := profile.Hash()
	s := &Session{
		hash:            hash,
		profile:         profile,
		control:         control,
		log:             log.WithFields(Fields{"session": hash.String(), "profile": profile.UniqueID}),
		metrics:         metrics,
		idleTimeout:     idleTimeout,
		pendingVisitors: make(chan net.Conn, pendingQueueSize),
		pendingClients:  make(chan net.Conn, pendingQueueSize),
		channelDone:     make(chan ChannelID, pendingQueueSize),
		channels:        make(map[ChannelID]*Channel),
		shutdownCh:      make(chan struct{}),
		done:            make(chan struct{}),
		addrReady:       make(chan struct{}),
	}
	metrics.incSessions()
	go s.run(completion)
	return s
}

// Hash returns the session's profile hash.
func (s *Session) Hash() Hash { return s.hash }

// RequestChannel enqueues a client-provided data socket, to be matched
// with a queued visitor socket in FIFO order. It blocks (applying
// backpressure) if the queue is full, and returns ErrSessionClosed if
// the session has already started shutting down.
func (s *Session) RequestChannel(ctx context.Context, clientData net.Conn) error {
	select {
	case s.pendingClients <- clientData:
		return nil
	case <-s.shutdownCh:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VisitorAddr blocks until the session has bound (or failed to bind)
// its visitor listener, then returns the bound address, or nil if the
// bind failed or the session ended first. It exists mainly so a caller
// configuring a profile with an ephemeral port (":0") can discover the
// port actually chosen.
func (s *Session) VisitorAddr() net.Addr {
	select {
	case <-s.addrReady:
		return s.addr
	case <-s.done:
		return nil
	}
}

// HasActiveChannels reports whether the session currently has at least
// one live Channel.
func (s *Session) HasActiveChannels() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels) > 0
}

// Shutdown signals the session (and every live child Channel) to stop,
// and waits for the teardown to finish.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	<-s.done
}

func (s *Session) run(completion chan<- *Session) {
	defer close(s.done)
	defer s.control.Close()
	defer s.metrics.decSessions()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	listener, err := net.Listen("tcp", s.profile.VisitorAddr)
	if err != nil {
		s.log.Errorf("failed to bind visitor address %s: %v", s.profile.VisitorAddr, err)
		close(s.addrReady)
	} else {
		s.addr = listener.Addr()
		close(s.addrReady)

		g, gctx := errgroup.WithContext(ctx)
		go func() {
			// Closing the listener is what unblocks acceptVisitors'
			// pending Accept once the session is told to stop.
			<-gctx.Done()
			listener.Close()
		}()
		g.Go(func() error { return s.acceptVisitors(gctx, listener) })
		g.Go(func() error { return s.createChannels(gctx) })
		g.Go(func() error { return s.reapChannels(gctx) })

		if err := g.Wait(); err != nil {
			s.log.Warnf("session ending: %v", err)
		}
		listener.Close()
	}

	// Shutdown watcher duties: drain and tear down every live channel,
	// then close any sockets still sitting unmatched in the queues
	// (spec invariant: a queued visitor socket is either paired into a
	// Channel, or dropped when the Session ends).
	s.mu.Lock()
	remaining := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		remaining = append(remaining, ch)
	}
	s.channels = make(map[ChannelID]*Channel)
	s.mu.Unlock()
	for _, ch := range remaining {
		ch.Shutdown()
	}
	drainConns(s.pendingVisitors)
	drainConns(s.pendingClients)

	s.log.Debugf("session closed")
	select {
	case completion <- s:
	default:
	}
}

func drainConns(ch chan net.Conn) {
	for {
		select {
		case c := <-ch:
			c.Close()
		default:
			return
		}
	}
}

// acceptVisitors is the session's visitor acceptor (spec §4.3 activity
// 1): it binds no further listener of its own (the caller already did),
// authenticates each visitor synchronously against the profile's
// optional token - preserving FIFO arrival order into pendingVisitors -
// and on success tells the client a new channel is wanted.
//
// The control socket is written from this single place, satisfying the
// "single writer" invariant in spec §5.
func (s *Session) acceptVisitors(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("visitor accept: %w", err)
		}

		if err := s.admitVisitor(ctx, conn); err != nil {
			return err
		}
	}
}

func (s *Session) admitVisitor(ctx context.Context, conn net.Conn) error {
	remote := conn.RemoteAddr().String()

	if s.profile.hasToken() {
		if err := conn.SetReadDeadline(time.Now().Add(visitorAuthDeadline)); err != nil {
			conn.Close()
			return nil
		}
		msg, err := ReadExactMessage(conn, OpeningFrameLen)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil || msg.Kind != KindAuthenticate || msg.Hash != s.profile.tokenHash() {
			s.log.Warnf("rejecting visitor %s: authentication failed", remote)
			_ = WriteMessage(conn, Reject)
			conn.Close()
			s.metrics.visitorRejected()
			return nil
		}
	}

	s.metrics.visitorAccepted()
	s.log.Debugf("accepted visitor %s", remote)

	if err := WriteMessage(s.control, ForwardConnection); err != nil {
		conn.Close()
		return fmt.Errorf("control write: %w", err)
	}

	select {
	case s.pendingVisitors <- conn:
		return nil
	case <-ctx.Done():
		conn.Close()
		return nil
	}
}

// createChannels is the session's channel creator (spec §4.3 activity
// 2): it waits for one element from each matching queue, whichever
// arrives first, then the other, and forms a Channel from the pair.
// The first socket is taken from its queue and held until its partner
// arrives; if the session ends in between, the held socket is closed,
// so a pair is either fully formed into a Channel or not at all.
func (s *Session) createChannels(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-s.pendingVisitors:
			select {
			case <-ctx.Done():
				v.Close()
				return nil
			case d := <-s.pendingClients:
				if err := s.spawnChannel(v, d); err != nil {
					return err
				}
			}
		case d := <-s.pendingClients:
			select {
			case <-ctx.Done():
				d.Close()
				return nil
			case v := <-s.pendingVisitors:
				if err := s.spawnChannel(v, d); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Session) spawnChannel(visitor, clientData net.Conn) error {
	ch := NewChannel(visitor, clientData, s.channelDone, s.idleTimeout, s.log)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, collide := s.channels[ch.ID()]; collide {
		return fmt.Errorf("%w: %s", ErrChannelIDCollision, ch.ID())
	}
	s.channels[ch.ID()] = ch
	s.metrics.incChannels()
	s.log.Debugf("channel %s opened", ch.ID())
	return nil
}

// reapChannels is the session's channel reaper (spec §4.3 activity 3):
// it removes completed channels from the active-channels map as their
// IDs arrive on channelDone.
func (s *Session) reapChannels(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.channelDone:
			s.mu.Lock()
			if _, ok := s.channels[id]; ok {
				delete(s.channels, id)
				s.metrics.decChannels()
				s.log.Debugf("channel %s closed", id)
			}
			s.mu.Unlock()
		}
	}
}
