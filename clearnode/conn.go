// Package clearnode implements the client side of the ClearNode control
// connection: a persistent socket to the settlement coordinator that carries
// signed RPC envelopes, pushes the authentication challenge, and interleaves
// replies to outstanding requests with unsolicited broadcast frames.
package clearnode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payflow/payflow-go/logger"
	"github.com/payflow/payflow-go/rpc"
)

// Status is the connection's lifecycle state. Exactly one value holds at a
// time and transitions happen only on socket lifecycle events or handshake
// outcomes.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusAuthenticated Status = "authenticated"
	StatusAuthFailed    Status = "auth_failed"
	StatusError         Status = "error"
)

var (
	// ErrNotConnected indicates an operation that requires an open socket.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed indicates the socket dropped while a request was
	// pending.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestTimeout indicates no correlated reply within the deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// DefaultRequestTimeout bounds how long SendAndWait waits for a correlated
// reply when the caller does not say otherwise.
const DefaultRequestTimeout = 10 * time.Second

type Config struct {
	// Signer produces the signatures on outbound envelopes. Required.
	Signer rpc.MessageSigner

	// Address is the account the signer proves identity for during the
	// challenge handshake.
	Address common.Address

	// Transport carries frames to the coordinator. Defaults to a websocket
	// transport.
	Transport Transport

	Logger logger.Logger

	// OnStatusChange, if set, is invoked on every status transition. It must
	// not call back into the Conn.
	OnStatusChange func(Status)
}

// Conn owns the control socket to a coordinator. It multiplexes inbound
// frames to pending-request waiters by request id, drives the authentication
// handshake when the coordinator pushes its challenge, and fans every other
// frame out to registered broadcast handlers.
type Conn struct {
	signer         rpc.MessageSigner
	address        common.Address
	transport      Transport
	logger         logger.Logger
	onStatusChange func(Status)

	// mu guards the mutable fields below.
	mu            sync.Mutex
	status        Status
	connected     bool
	authenticated bool
	pending       map[uint64]*pendingRequest
	handlers      map[string]func([]byte)
}

type pendingRequest struct {
	ch chan pendingResult
}

type pendingResult struct {
	data []byte
	err  error
}

func NewConn(c Config) *Conn {
	transport := c.Transport
	if transport == nil {
		transport = NewWebsocketTransport()
	}
	log := c.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Conn{
		signer:         c.Signer,
		address:        c.Address,
		transport:      transport,
		logger:         log,
		onStatusChange: c.OnStatusChange,
		status:         StatusDisconnected,
		pending:        make(map[uint64]*pendingRequest),
		handlers:       make(map[string]func([]byte)),
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	if c.onStatusChange != nil {
		c.onStatusChange(s)
	}
}

// Open establishes the socket to the production or sandbox endpoint. It
// returns once the socket is open; the authentication handshake is
// coordinator-initiated and completes in the background when the challenge
// arrives.
func (c *Conn) Open(ctx context.Context, useSandbox bool) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	endpoint := ProductionEndpoint
	if useSandbox {
		endpoint = SandboxEndpoint
	}
	if err := c.transport.Dial(ctx, endpoint); err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("opening control connection: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	c.logger.Info("connected", map[string]any{"endpoint": endpoint})

	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		c.handleMessage(data)
	}
}

// teardown runs when the socket drops underneath us: it clears the
// authenticated flag and proactively fails every pending request rather than
// leaving waiters to time out.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if !c.connected {
		// Close already tore the connection down.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.authenticated = false
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for id, p := range pending {
		p.ch <- pendingResult{err: fmt.Errorf("request %d: %w", id, ErrConnectionClosed)}
	}
	c.logger.Warn("connection dropped", map[string]any{"cause": cause.Error(), "rejected": len(pending)})
	c.setStatus(StatusDisconnected)
}

func (c *Conn) handleMessage(data []byte) {
	msg, err := rpc.Parse(data)
	if err != nil {
		c.logger.Debug("dropping unparseable frame", map[string]any{"err": err.Error()})
		return
	}

	if msg.Payload.Method == rpc.MethodAuthChallenge {
		// Solving the challenge signs, which may block on a wallet prompt;
		// never on the read loop.
		go c.solveChallenge(msg)
		return
	}

	if !msg.Push {
		c.mu.Lock()
		p, ok := c.pending[msg.Payload.RequestID]
		if ok {
			delete(c.pending, msg.Payload.RequestID)
		}
		c.mu.Unlock()
		if ok {
			if err := msg.Err(); err != nil {
				p.ch <- pendingResult{err: err}
			} else {
				p.ch <- pendingResult{data: data}
			}
			return
		}
	}

	if err := msg.Err(); err != nil {
		c.logger.Warn("uncorrelated error frame", map[string]any{"err": err.Error()})
	}

	c.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (c *Conn) solveChallenge(msg rpc.Message) {
	var params rpc.AuthChallengeParams
	if err := msg.Result(&params); err != nil {
		c.authFailed(err)
		return
	}
	req, err := rpc.NewRequest(context.Background(), c.signer, rpc.MethodAuthVerify, rpc.AuthVerifyParams{
		Address:   c.address.Hex(),
		Challenge: params.ChallengeMessage,
	})
	if err != nil {
		c.authFailed(err)
		return
	}
	data, err := req.Encode()
	if err != nil {
		c.authFailed(err)
		return
	}
	if err := c.Send(data); err != nil {
		c.authFailed(err)
		return
	}

	// The coordinator does not acknowledge verification; a sent verification
	// counts as authenticated.
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.authenticated = true
	c.mu.Unlock()
	c.setStatus(StatusAuthenticated)
	c.logger.Info("authenticated", map[string]any{"address": c.address.Hex()})
}

// authFailed records a failed challenge. The handshake is not retried; the
// caller may reconnect to receive a fresh challenge.
func (c *Conn) authFailed(err error) {
	c.logger.Error("auth challenge failed", map[string]any{"err": err.Error()})
	c.mu.Lock()
	c.authenticated = false
	c.mu.Unlock()
	c.setStatus(StatusAuthFailed)
}

// Send transmits a raw frame. It fails with ErrNotConnected when the socket
// is not open.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.transport.WriteMessage(data)
}

// SendAndWait transmits a frame and waits for the reply correlated by
// requestID, racing it against the timeout. Exactly one of the returned
// result or error fires per request id; a duplicate or late reply after the
// pending entry is gone is treated as a broadcast frame.
func (c *Conn) SendAndWait(ctx context.Context, data []byte, requestID uint64, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	p := &pendingRequest{ch: make(chan pendingResult, 1)}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %d already in flight", requestID)
	}
	c.pending[requestID] = p
	c.mu.Unlock()

	if err := c.Send(data); err != nil {
		c.removePending(requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.ch:
		return r.data, r.err
	case <-timer.C:
		if c.removePending(requestID) {
			return nil, fmt.Errorf("request %d: %w", requestID, ErrRequestTimeout)
		}
		// The reply raced the timer and won.
		r := <-p.ch
		return r.data, r.err
	case <-ctx.Done():
		if c.removePending(requestID) {
			return nil, ctx.Err()
		}
		r := <-p.ch
		return r.data, r.err
	}
}

// removePending reports whether the entry was still registered.
func (c *Conn) removePending(requestID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// OnMessage registers a broadcast handler under id. Registering under an id
// already in use replaces the previous handler.
func (c *Conn) OnMessage(id string, handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = handler
}

// RemoveHandler unregisters the broadcast handler under id.
func (c *Conn) RemoveHandler(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
}

// Ping sends a signed liveness probe. Any reply is uncorrelated and ignored.
func (c *Conn) Ping(ctx context.Context) error {
	req, err := rpc.NewRequest(ctx, c.signer, rpc.MethodPing, struct{}{})
	if err != nil {
		return err
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close closes the socket if open, rejects all pending requests, clears all
// broadcast handlers, and resets the status to disconnected. Closing an
// already-disconnected connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.connected && c.status == StatusDisconnected && len(c.pending) == 0 {
		c.handlers = make(map[string]func([]byte))
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.connected
	c.connected = false
	c.authenticated = false
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.handlers = make(map[string]func([]byte))
	c.mu.Unlock()

	if wasConnected {
		_ = c.transport.Close()
	}
	for id, p := range pending {
		p.ch <- pendingResult{err: fmt.Errorf("request %d: %w", id, ErrConnectionClosed)}
	}
	c.setStatus(StatusDisconnected)
	return nil
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the socket is open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthenticated reports whether the challenge handshake completed.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}
