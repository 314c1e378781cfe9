package tunnel

import (
	"context"
	"net"
	"sync"
	"time"
)

// SessionState is the tri-state result of asking a SessionManager about
// a profile hash: no session at all, a session with no live channels,
// or a session with at least one.
type SessionState int

const (
	SessionAbsent SessionState = iota
	SessionIdle
	SessionActive
)

func (s SessionState) String() string {
	switch s {
	case SessionAbsent:
		return "absent"
	case SessionIdle:
		return "idle"
	case SessionActive:
		return "active"
	default:
		return "unknown"
	}
}

// SessionManager owns the process-wide map from profile Hash to its
// live Session, mirroring the concurrent session table in the original
// control_connection_manager: a plain mutex-guarded map plus a single
// background task draining each Session's completion notification so
// finished sessions are removed automatically rather than on the next
// lookup.
type SessionManager struct {
	idleTimeout time.Duration
	completion  chan *Session
	log         Logger
	metrics     *Metrics

	mu       sync.RWMutex
	sessions map[Hash]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewSessionManager returns an empty manager. idleTimeout is forwarded
// to every Session it spawns.
func NewSessionManager(idleTimeout time.Duration, log Logger, metrics *Metrics) *SessionManager {
	m := &SessionManager{
		idleTimeout: idleTimeout,
		completion:  make(chan *Session, pendingQueueSize),
		log:         orDefaultLogger(log),
		metrics:     metrics,
		sessions:    make(map[Hash]*Session),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go m.reap()
	return m
}

// reap removes a completed session from the map, but only if the map
// still points at the very session that just completed. Without this
// identity check, an overwritten session's belated completion
// notification (carrying the same Hash as its replacement) would delete
// the replacement out from under it.
func (m *SessionManager) reap() {
	defer close(m.stopped)
	for {
		select {
		case s := <-m.completion:
			m.mu.Lock()
			if cur, ok := m.sessions[s.Hash()]; ok && cur == s {
				delete(m.sessions, s.Hash())
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

// Spawn starts a new Session for profile over control. If a session
// already exists for this profile's hash, it is terminated first - spec
// §4.4 resolves the original's unimplemented duplicate-open case this
// way: "inserting a second terminates the first." The old session is
// shut down to completion (releasing its visitor listener) before the
// new one is constructed, so a profile with a fixed visitor_addr never
// races its own predecessor for the port; this blocks Spawn only in the
// overwrite case, never on a fresh profile.
func (m *SessionManager) Spawn(control net.Conn, profile Profile) *Session {
	h := profile.Hash()

	m.mu.Lock()
	old, existed := m.sessions[h]
	delete(m.sessions, h)
	m.mu.Unlock()

	if existed {
		m.log.Warnf("profile %s already had a session; terminating the previous one before replacing it", profile.UniqueID)
		old.Shutdown()
	}

	s := NewSession(control, profile, m.idleTimeout, m.completion, m.log, m.metrics)

	m.mu.Lock()
	m.sessions[h] = s
	m.mu.Unlock()
	return s
}

// Terminate shuts down the session for hash, if one exists, and blocks
// until it has fully torn down. It reports whether a session was found.
func (m *SessionManager) Terminate(h Hash) bool {
	m.mu.RLock()
	s, ok := m.sessions[h]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.Shutdown()
	return true
}

// TerminateAll shuts down every live session concurrently and waits for
// all of them to finish.
func (m *SessionManager) TerminateAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(all))
	for _, s := range all {
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown()
		}(s)
	}
	wg.Wait()
}

// RequestChannel forwards a client-supplied data socket to the named
// session's matching queue. It returns ErrSessionNotFound if hash has
// no live session.
func (m *SessionManager) RequestChannel(ctx context.Context, h Hash, clientData net.Conn) error {
	m.mu.RLock()
	s, ok := m.sessions[h]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.RequestChannel(ctx, clientData)
}

// SessionExists reports whether a session is currently registered for
// hash, regardless of whether it has any active channels.
func (m *SessionManager) SessionExists(h Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[h]
	return ok
}

// State reports the tri-state activity of the session for hash.
func (m *SessionManager) State(h Hash) SessionState {
	m.mu.RLock()
	s, ok := m.sessions[h]
	m.mu.RUnlock()
	if !ok {
		return SessionAbsent
	}
	if s.HasActiveChannels() {
		return SessionActive
	}
	return SessionIdle
}

// Close stops the manager's background reaper. It does not terminate
// any live session; call TerminateAll first if that's wanted too.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.stopped
}
