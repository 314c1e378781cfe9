package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelID uniquely identifies a Channel for the lifetime of the
// process. 128 bits of random UUID is far more than collision-resistant
// enough for any realistic number of concurrent channels (spec §3).
type ChannelID = uuid.UUID

const relayBufferSize = 8 * 1024

// Channel is one matched visitor<->client bidirectional byte stream. It
// owns both sockets for its lifetime and relays bytes between them until
// either side closes, the idle timeout elapses with no traffic in either
// direction, or it is explicitly shut down.
//
// Unlike the protocols this core was modeled after (which split a stream
// into separate read/write halves before spawning copy tasks), a Go
// net.Conn already supports concurrent independent Read and Write calls
// from different goroutines, so no explicit split is needed here.
type Channel struct {
	id ChannelID

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}
}

// NewChannel constructs a Channel relaying bytes between a and b and
// spawns its background task. completion receives the Channel's ID at
// most once, whatever the reason the relay ended for - normal EOF, an
// I/O error, the idle timeout, or an explicit Shutdown - so that a
// Session's reaper can remove it from its active-channels map. The send
// does not block: if completion has no room, the ID is dropped.
func NewChannel(a, b net.Conn, completion chan<- ChannelID, idleTimeout time.Duration, log Logger) *Channel {
	if log == nil {
		log = nopLogger{}
	}
	c := &Channel{
		id:         uuid.New(),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	log = log.WithFields(Fields{"channel": c.id.String()})
	go c.run(a, b, completion, idleTimeout, log)
	return c
}

// ID returns the Channel's unique identifier.
func (c *Channel) ID() ChannelID { return c.id }

// Shutdown signals the channel's relay task to stop and waits for it to
// finish. Closing shutdownCh is a broadcast that can never fail to be
// delivered, so the "forcibly abort if the signal cannot be delivered"
// clause from spec §4.2 has no reachable else-branch in Go - the
// sockets are closed immediately on the same code path instead of
// waiting for the copy loops to notice on their own, which is the
// closest Go equivalent of aborting a task that refuses to yield.
func (c *Channel) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	<-c.done
}

func (c *Channel) run(a, b net.Conn, completion chan<- ChannelID, idleTimeout time.Duration, log Logger) {
	defer close(c.done)

	activity := make(chan struct{}, 1)
	copyErr := make(chan error, 2)

	var closeOnce sync.Once
	closeSockets := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go relayDirection(&wg, a, b, activity, copyErr)
	go relayDirection(&wg, b, a, activity, copyErr)

	idleExpired := make(chan struct{})
	idleDone := make(chan struct{})
	go watchIdle(idleTimeout, activity, c.shutdownCh, idleExpired, idleDone)

	select {
	case err := <-copyErr:
		if err != nil {
			log.Debugf("relay ended: %v", err)
		} else {
			log.Debugf("relay ended cleanly")
		}
	case <-idleExpired:
		log.Debugf("idle timeout after %s, closing", idleTimeout)
	case <-c.shutdownCh:
		log.Debugf("shutdown requested")
	}

	// Whatever just woke us - a relay EOF/error or the idle timer, not
	// only an explicit Shutdown - wake watchIdle too: with no idle
	// timeout configured it otherwise blocks on shutdownCh forever and
	// <-idleDone below never returns.
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })

	closeSockets()
	wg.Wait()
	<-idleDone

	select {
	case completion <- c.id:
	default:
		// completion receiver (the session reaper) may already be gone
		// if the whole session is shutting down concurrently; don't
		// block the relay task forever waiting for it.
	}
}

// relayDirection copies src -> dst in an 8 KiB buffer, pulsing activity
// on every non-zero read, until EOF or an error on either side.
func relayDirection(wg *sync.WaitGroup, dst, src net.Conn, activity chan<- struct{}, result chan<- error) {
	defer wg.Done()
	buf := make([]byte, relayBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			pulse(activity)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				result <- werr
				return
			}
		}
		if rerr != nil {
			result <- rerr
			return
		}
	}
}

func pulse(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}

// watchIdle sleeps for timeout and, if activity hasn't pulsed since the
// sleep began, closes expired. Any pulse restarts the sleep. It exits
// (closing done) as soon as either expired fires or shutdownCh closes.
func watchIdle(timeout time.Duration, activity <-chan struct{}, shutdownCh <-chan struct{}, expired, done chan<- struct{}) {
	defer close(done)
	if timeout <= 0 {
		<-shutdownCh
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			close(expired)
			return
		case <-shutdownCh:
			return
		}
	}
}
