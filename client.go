package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultReconnectDelay is used when ClientConfig.ReconnectDelay is zero.
const DefaultReconnectDelay = 10 * time.Second

// ClientConfig configures a Client's target profile, server, and local
// service.
type ClientConfig struct {
	// ProfileID is the opaque id this client authenticates its session
	// as; its wire identifier is HashID(ProfileID).
	ProfileID string

	// ServerAddr is the tunnel server's control address.
	ServerAddr string

	// LocalAddr is the local service this client forwards visitor
	// traffic to, e.g. "127.0.0.1:8080".
	LocalAddr string

	// ReconnectDelay is how long the client waits before redialing the
	// server after a session ends for any reason. Defaults to
	// DefaultReconnectDelay.
	ReconnectDelay time.Duration

	Log Logger
}

// Client implements the reconnect-forever side of the tunnel: it dials
// the server, opens a session for its profile, then for every
// ForwardConnectionRequest pushed down the control connection, dials
// the local service and the server again to form a data channel. Losing
// the control connection - for any reason - drops it back into the
// reconnect loop, matching the Connect -> Session -> Backoff state
// machine; DataChannel work is detached per-visitor and outlives a
// control connection that fails while channels are still relaying, and
// the reconnect waits until those channels have finished.
type Client struct {
	cfg  ClientConfig
	log  Logger
	hash Hash

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewClient builds a Client. It does not dial anything until Run is called.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	log := orDefaultLogger(cfg.Log).WithFields(Fields{"profile": cfg.ProfileID})
	return &Client{
		cfg:        cfg,
		log:        log,
		hash:       HashID(cfg.ProfileID),
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown stops the client's reconnect loop and closes its current
// session, if any. Run returns once the in-flight session (and any
// data channels it spawned) have unwound.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// Run drives the client's reconnect-forever loop until ctx is canceled
// or Shutdown is called. It always returns nil; connection failures are
// logged and retried rather than treated as fatal.
func (c *Client) Run(ctx context.Context) error {
	for {
		if stopped(ctx, c.shutdownCh) {
			return nil
		}

		if err := c.runSession(ctx); err != nil {
			c.log.Warnf("session ended: %v; reconnecting in %s", err, c.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.shutdownCh:
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func stopped(ctx context.Context, shutdownCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-shutdownCh:
		return true
	default:
		return false
	}
}

func (c *Client) runSession(ctx context.Context) error {
	conn, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	if err := WriteThenExpectAck(conn, OpenSession(c.hash)); err != nil {
		conn.Close()
		return fmt.Errorf("open session: %w", err)
	}
	c.log.Infof("session established with %s", c.cfg.ServerAddr)

	return c.controlLoop(ctx, conn)
}

// controlLoop owns the control connection for the life of one session:
// it reads pushed ForwardConnectionRequest/Heartbeat frames and detaches
// a data-channel goroutine for each forward request. Once the control
// connection errors it stops reading, then waits for every data channel
// it spawned to finish on its own before returning. Those channels are
// not closed here - they hold their own connections to the server and
// the local service - so the next reconnect starts only after they end.
func (c *Client) controlLoop(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.shutdownCh:
		case <-done:
			return
		}
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := ReadExactMessage(conn, PushFrameLen)
		if err != nil {
			return fmt.Errorf("control read: %w", err)
		}
		switch msg.Kind {
		case KindForwardConnectionRequest:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.openDataChannel()
			}()
		case KindHeartbeat:
			c.log.Debugf("heartbeat received")
		default:
			return fmt.Errorf("unexpected control message %s", msg.Kind)
		}
	}
}

// openDataChannel dials the local service and a fresh connection to the
// server, opens a channel for this client's profile, and relays bytes
// between the two until either side closes. Unlike the server-side
// Channel, a client data channel carries no idle-timeout watchdog - the
// visitor-facing Session already enforces one, and closing either leg
// here is enough to unwind both relay directions.
func (c *Client) openDataChannel() {
	local, err := net.Dial("tcp", c.cfg.LocalAddr)
	if err != nil {
		c.log.Warnf("dial local service %s: %v", c.cfg.LocalAddr, err)
		return
	}
	defer local.Close()

	remote, err := net.Dial("tcp", c.cfg.ServerAddr)
	if err != nil {
		c.log.Warnf("dial server for data channel: %v", err)
		return
	}
	defer remote.Close()

	if err := WriteThenExpectAck(remote, OpenChannel(c.hash)); err != nil {
		c.log.Warnf("open channel: %v", err)
		return
	}

	activity := make(chan struct{}, 1)
	result := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go relayDirection(&wg, local, remote, activity, result)
	go relayDirection(&wg, remote, local, activity, result)

	<-result
	local.Close()
	remote.Close()
	wg.Wait()
}
