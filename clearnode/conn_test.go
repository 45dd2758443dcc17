package clearnode

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payflow/payflow-go/rpc"
)

type fakeTransport struct {
	mu      sync.Mutex
	dialed  string
	dialErr error
	sent    [][]byte
	sendErr error
	closed  bool
	inbound chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (t *fakeTransport) Dial(_ context.Context, url string) error {
	if t.dialErr != nil {
		return t.dialErr
	}
	t.mu.Lock()
	t.dialed = url
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-t.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbound)
	}
	return nil
}

func (t *fakeTransport) push(frame string) {
	t.inbound <- []byte(frame)
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.sent))
	copy(frames, t.sent)
	return frames
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("%w: user rejected", rpc.ErrSigning)
}

func newTestConn(t *testing.T) (*Conn, *fakeTransport, *rpc.LocalSigner, *statusRecorder) {
	t.Helper()
	signer, err := rpc.GenerateSigner()
	require.NoError(t, err)
	transport := newFakeTransport()
	recorder := &statusRecorder{}
	conn := NewConn(Config{
		Signer:         signer,
		Address:        signer.Address(),
		Transport:      transport,
		OnStatusChange: recorder.record,
	})
	return conn, transport, signer, recorder
}

func openTestConn(t *testing.T) (*Conn, *fakeTransport, *rpc.LocalSigner, *statusRecorder) {
	t.Helper()
	conn, transport, signer, recorder := newTestConn(t)
	require.NoError(t, conn.Open(context.Background(), true))
	t.Cleanup(func() { _ = conn.Close() })
	return conn, transport, signer, recorder
}

func TestConn_Open(t *testing.T) {
	conn, transport, _, recorder := openTestConn(t)

	assert.True(t, conn.IsConnected())
	assert.False(t, conn.IsAuthenticated())
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Equal(t, SandboxEndpoint, transport.dialed)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, recorder.all())

	err := conn.Open(context.Background(), true)
	require.Error(t, err)
}

func TestConn_OpenDialError(t *testing.T) {
	conn, transport, _, recorder := newTestConn(t)
	transport.dialErr = fmt.Errorf("connection refused")

	err := conn.Open(context.Background(), false)
	require.Error(t, err)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, StatusError, recorder.last())
}

func TestConn_SendNotConnected(t *testing.T) {
	conn, _, _, _ := newTestConn(t)
	err := conn.Send([]byte("frame"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_SendAndWaitResolves(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.push(`{"res":[42,"pong",{},1]}`)
	}()

	reply, err := conn.SendAndWait(context.Background(), []byte("ping frame"), 42, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"pong"`)
}

func TestConn_DuplicateReplyHasNoEffect(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	var broadcast [][]byte
	var mu sync.Mutex
	conn.OnMessage("recorder", func(data []byte) {
		mu.Lock()
		broadcast = append(broadcast, data)
		mu.Unlock()
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.push(`{"res":[42,"pong",{},1]}`)
	}()
	_, err := conn.SendAndWait(context.Background(), []byte("ping frame"), 42, time.Second)
	require.NoError(t, err)

	// A late duplicate with the same id must fall through to broadcast.
	transport.push(`{"res":[42,"pong",{},1]}`)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(broadcast) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConn_SendAndWaitTimeout(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	var broadcast int
	var mu sync.Mutex
	conn.OnMessage("recorder", func([]byte) {
		mu.Lock()
		broadcast++
		mu.Unlock()
	})

	_, err := conn.SendAndWait(context.Background(), []byte("frame"), 7, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// The pending slot is released: a stray late reply is broadcast, not
	// correlated.
	transport.push(`{"res":[7,"pong",{},1]}`)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return broadcast == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConn_SendAndWaitErrorFrame(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		transport.push(`{"res":[9,"error",{"error":"unknown method"},1]}`)
	}()

	_, err := conn.SendAndWait(context.Background(), []byte("frame"), 9, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestConn_SendAndWaitContextCanceled(t *testing.T) {
	conn, _, _, _ := openTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := conn.SendAndWait(ctx, []byte("frame"), 11, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConn_CloseRejectsPending(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.SendAndWait(context.Background(), []byte("frame"), 13, time.Minute)
		errs <- err
	}()
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request left dangling after close")
	}
	assert.False(t, conn.IsConnected())
	assert.Equal(t, StatusDisconnected, conn.Status())

	// Idempotent.
	require.NoError(t, conn.Close())
}

func TestConn_ReadErrorTearsDown(t *testing.T) {
	conn, transport, _, recorder := openTestConn(t)

	errs := make(chan error, 1)
	go func() {
		_, err := conn.SendAndWait(context.Background(), []byte("frame"), 17, time.Minute)
		errs <- err
	}()
	require.Eventually(t, func() bool { return transport.sentCount() == 1 }, time.Second, time.Millisecond)

	// Socket drops underneath the connection.
	_ = transport.Close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request left dangling after socket drop")
	}
	assert.Eventually(t, func() bool { return recorder.last() == StatusDisconnected }, time.Second, time.Millisecond)
	assert.False(t, conn.IsConnected())
	assert.False(t, conn.IsAuthenticated())
}

func TestConn_AuthChallenge(t *testing.T) {
	conn, transport, signer, _ := openTestConn(t)

	transport.push(`{"req":[1,"auth_challenge",{"challenge_message":"prove it"},1]}`)
	// Interleave broadcast noise with the handshake.
	transport.push(`{"res":[999,"balance_update",{},1]}`)

	require.Eventually(t, conn.IsAuthenticated, time.Second, time.Millisecond)
	assert.Equal(t, StatusAuthenticated, conn.Status())

	var verify *rpc.Message
	for _, frame := range transport.sentFrames() {
		msg, err := rpc.Parse(frame)
		require.NoError(t, err)
		if msg.Payload.Method == rpc.MethodAuthVerify {
			require.Nil(t, verify, "expected exactly one verification frame")
			m := msg
			verify = &m
		}
	}
	require.NotNil(t, verify, "no verification frame sent")

	var params rpc.AuthVerifyParams
	require.NoError(t, verify.Result(&params))
	assert.Equal(t, "prove it", params.Challenge)
	assert.Equal(t, signer.Address().Hex(), params.Address)

	// Later broadcast frames must not revert the authenticated state.
	transport.push(`{"res":[1000,"balance_update",{},1]}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusAuthenticated, conn.Status())
}

func TestConn_AuthChallengeSigningFailure(t *testing.T) {
	transport := newFakeTransport()
	recorder := &statusRecorder{}
	conn := NewConn(Config{
		Signer:         failingSigner{},
		Transport:      transport,
		OnStatusChange: recorder.record,
	})
	require.NoError(t, conn.Open(context.Background(), true))
	defer conn.Close()

	transport.push(`{"req":[1,"auth_challenge",{"challenge_message":"prove it"},1]}`)

	require.Eventually(t, func() bool { return recorder.last() == StatusAuthFailed }, time.Second, time.Millisecond)
	assert.False(t, conn.IsAuthenticated())
	// No verification frame went out, and the handshake is not retried.
	assert.Equal(t, 0, transport.sentCount())
}

func TestConn_BroadcastHandlerReplace(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	var first, second int
	var mu sync.Mutex
	conn.OnMessage("sub", func([]byte) { mu.Lock(); first++; mu.Unlock() })
	conn.OnMessage("sub", func([]byte) { mu.Lock(); second++; mu.Unlock() })

	transport.push(`{"res":[500,"balance_update",{},1]}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 1
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, first, "replaced handler must not fire")
	mu.Unlock()
}

func TestConn_RemoveHandler(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	var calls int
	var mu sync.Mutex
	conn.OnMessage("sub", func([]byte) { mu.Lock(); calls++; mu.Unlock() })
	conn.RemoveHandler("sub")

	transport.push(`{"res":[500,"balance_update",{},1]}`)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestConn_Ping(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	require.NoError(t, conn.Ping(context.Background()))
	frames := transport.sentFrames()
	require.Len(t, frames, 1)
	msg, err := rpc.Parse(frames[0])
	require.NoError(t, err)
	assert.Equal(t, rpc.MethodPing, msg.Payload.Method)
}

func TestConn_UnparseableFrameIgnored(t *testing.T) {
	conn, transport, _, _ := openTestConn(t)

	transport.push(`garbage`)
	transport.push(`{"res":[21,"pong",{},1]}`)

	go func() {
		time.Sleep(5 * time.Millisecond)
		transport.push(`{"res":[22,"pong",{},1]}`)
	}()
	_, err := conn.SendAndWait(context.Background(), []byte("frame"), 22, time.Second)
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())
}
