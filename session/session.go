// Package session tracks a single bilateral payment session on top of a
// ClearNode connection: creation, sequential balance-allocation updates, and
// closure, with local bookkeeping of the cumulative sent amount and payment
// history between round trips. The coordinator is the source of truth for
// final settlement; the local ledger exists so the caller always sees a
// consistent view.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/payflow/payflow-go/clearnode"
	"github.com/payflow/payflow-go/logger"
	"github.com/payflow/payflow-go/rpc"
)

// Application identifies this client to the coordinator in session
// definitions.
const Application = "payflow-v1"

var (
	// ErrInsufficientBalance indicates a send that would overdraw the local
	// session balance. Detected before any network call.
	ErrInsufficientBalance = errors.New("insufficient session balance")
	// ErrNoSession indicates an operation that requires an open session.
	ErrNoSession = errors.New("no session")
	// ErrSessionExists indicates an attempt to open a second session.
	ErrSessionExists = errors.New("session already exists")
)

// Payment is one accepted entry in the session's append-only payment log.
type Payment struct {
	Amount    *big.Int
	Recipient common.Address
	Asset     string
	Timestamp time.Time
}

// Snapshot is a point-in-time copy of the session ledger.
type Snapshot struct {
	ID                  string
	Self                common.Address
	Counterparty        common.Address
	Asset               string
	SelfBalance         *big.Int
	CounterpartyBalance *big.Int
	TotalSent           *big.Int
	Payments            []Payment
}

// Equal reports whether two snapshots describe the same ledger state.
func (s Snapshot) Equal(o Snapshot) bool {
	return cmp.Equal(s, o, cmp.Comparer(func(a, b *big.Int) bool {
		if a == nil || b == nil {
			return a == b
		}
		return a.Cmp(b) == 0
	}))
}

type Config struct {
	// Conn is the control connection session messages travel over. The
	// manager never touches the socket directly, only Conn's send surface.
	Conn *clearnode.Conn

	// Signer signs session messages. Required.
	Signer rpc.MessageSigner

	// Address is the local participant.
	Address common.Address

	Logger logger.Logger
}

// Manager tracks at most one active session. All operations serialize on the
// manager; replies are matched by request id, so an in-flight keepalive or
// query never blocks a payment.
type Manager struct {
	conn    *clearnode.Conn
	signer  rpc.MessageSigner
	address common.Address
	logger  logger.Logger

	// mu guards the session ledger.
	mu   sync.Mutex
	sess *appSession
}

type appSession struct {
	id                  string
	createReqID         uint64
	counterparty        common.Address
	asset               string
	selfBalance         *big.Int
	counterpartyBalance *big.Int
	totalSent           *big.Int
	payments            []Payment
}

func NewManager(c Config) *Manager {
	log := c.Logger
	if log == nil {
		log = logger.NoopLogger{}
	}
	m := &Manager{
		conn:    c.Conn,
		signer:  c.Signer,
		address: c.Address,
		logger:  log,
	}
	m.conn.OnMessage("session-manager", m.handleBroadcast)
	return m
}

// handleBroadcast watches uncorrelated frames for the coordinator's answer to
// our fire-and-forget session creation, adopting the coordinator-assigned
// session id in place of the locally synthesized one.
func (m *Manager) handleBroadcast(data []byte) {
	msg, err := rpc.Parse(data)
	if err != nil || msg.Push || msg.Payload.Method != rpc.MethodCreateAppSession {
		return
	}
	var result rpc.CreateAppSessionResult
	if err := msg.Result(&result); err != nil || result.AppSessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.createReqID != msg.Payload.RequestID {
		return
	}
	m.logger.Info("adopted coordinator session id", map[string]any{
		"local": m.sess.id, "coordinator": result.AppSessionID,
	})
	m.sess.id = result.AppSessionID
}

// CreateSession proposes a bilateral session funded with selfAmount on the
// local side and counterpartyAmount (nil means zero) on the remote side, and
// initializes the local ledger. The send is fire-and-forget: the returned id
// is synthesized locally and replaced by the coordinator's id when its answer
// arrives.
func (m *Manager) CreateSession(ctx context.Context, counterparty common.Address, asset string, selfAmount, counterpartyAmount *big.Int) (string, error) {
	if !m.conn.IsConnected() {
		return "", clearnode.ErrNotConnected
	}
	if selfAmount == nil || selfAmount.Sign() < 0 {
		return "", fmt.Errorf("self amount must be non-negative")
	}
	if counterpartyAmount == nil {
		counterpartyAmount = big.NewInt(0)
	}
	if counterpartyAmount.Sign() < 0 {
		return "", fmt.Errorf("counterparty amount must be non-negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return "", ErrSessionExists
	}

	params := rpc.CreateAppSessionParams{
		Definition: rpc.AppDefinition{
			Protocol:     rpc.ProtocolVersion,
			Application:  Application,
			Participants: []string{m.address.Hex(), counterparty.Hex()},
			Weights:      []int64{50, 50},
			Quorum:       100,
			Challenge:    0,
			Nonce:        time.Now().UnixMilli(),
		},
		Allocations: []rpc.Allocation{
			{Participant: m.address.Hex(), Asset: asset, Amount: selfAmount.String()},
			{Participant: counterparty.Hex(), Asset: asset, Amount: counterpartyAmount.String()},
		},
	}
	req, err := rpc.NewRequest(ctx, m.signer, rpc.MethodCreateAppSession, params)
	if err != nil {
		return "", err
	}
	data, err := req.Encode()
	if err != nil {
		return "", err
	}
	if err := m.conn.Send(data); err != nil {
		return "", fmt.Errorf("sending session creation: %w", err)
	}

	id := "session-" + uuid.NewString()
	m.sess = &appSession{
		id:                  id,
		createReqID:         req.ID(),
		counterparty:        counterparty,
		asset:               asset,
		selfBalance:         new(big.Int).Set(selfAmount),
		counterpartyBalance: new(big.Int).Set(counterpartyAmount),
		totalSent:           big.NewInt(0),
		payments:            nil,
	}
	m.logger.Info("session created", map[string]any{
		"id": id, "counterparty": counterparty.Hex(), "asset": asset, "funding": selfAmount.String(),
	})
	return id, nil
}

// SendPayment moves amount from the local balance to the counterparty. The
// overdraw check happens before any network call; the ledger commits only
// after the state submission is sent, so the sum of both balances is
// conserved across every update.
func (m *Manager) SendPayment(ctx context.Context, amount *big.Int) error {
	if !m.conn.IsConnected() {
		return clearnode.ErrNotConnected
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("payment amount must be greater than 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ErrNoSession
	}
	if amount.Cmp(m.sess.selfBalance) > 0 {
		return fmt.Errorf("sending %s with balance %s: %w", amount, m.sess.selfBalance, ErrInsufficientBalance)
	}

	newSelf := new(big.Int).Sub(m.sess.selfBalance, amount)
	newCounterparty := new(big.Int).Add(m.sess.counterpartyBalance, amount)

	params := rpc.SubmitAppStateParams{
		AppSessionID: m.sess.id,
		Allocations: []rpc.Allocation{
			{Participant: m.address.Hex(), Asset: m.sess.asset, Amount: newSelf.String()},
			{Participant: m.sess.counterparty.Hex(), Asset: m.sess.asset, Amount: newCounterparty.String()},
		},
	}
	req, err := rpc.NewRequest(ctx, m.signer, rpc.MethodSubmitAppState, params)
	if err != nil {
		return err
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := m.conn.Send(data); err != nil {
		return fmt.Errorf("sending payment: %w", err)
	}

	m.sess.selfBalance = newSelf
	m.sess.counterpartyBalance = newCounterparty
	m.sess.totalSent = new(big.Int).Add(m.sess.totalSent, amount)
	m.sess.payments = append(m.sess.payments, Payment{
		Amount:    new(big.Int).Set(amount),
		Recipient: m.sess.counterparty,
		Asset:     m.sess.asset,
		Timestamp: time.Now(),
	})
	m.logger.Info("payment sent", map[string]any{
		"amount": amount.String(), "balance": newSelf.String(), "total_sent": m.sess.totalSent.String(),
	})
	return nil
}

// CloseSession sends the signed close carrying the current final allocation
// pair, then retires the session locally. On-chain settlement is the
// coordinator's asynchronous responsibility; a sent close is enough to
// discard local state.
func (m *Manager) CloseSession(ctx context.Context) error {
	if !m.conn.IsConnected() {
		return clearnode.ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ErrNoSession
	}

	params := rpc.CloseAppSessionParams{
		AppSessionID: m.sess.id,
		Allocations: []rpc.Allocation{
			{Participant: m.address.Hex(), Asset: m.sess.asset, Amount: m.sess.selfBalance.String()},
			{Participant: m.sess.counterparty.Hex(), Asset: m.sess.asset, Amount: m.sess.counterpartyBalance.String()},
		},
	}
	req, err := rpc.NewRequest(ctx, m.signer, rpc.MethodCloseAppSession, params)
	if err != nil {
		return err
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := m.conn.Send(data); err != nil {
		return fmt.Errorf("sending session close: %w", err)
	}

	m.logger.Info("session closed", map[string]any{"id": m.sess.id, "total_sent": m.sess.totalSent.String()})
	m.sess = nil
	return nil
}

// GetSessions asks the coordinator for the local participant's open sessions.
// The answer arrives as a broadcast frame.
func (m *Manager) GetSessions(ctx context.Context) error {
	if !m.conn.IsConnected() {
		return clearnode.ErrNotConnected
	}
	req, err := rpc.NewRequest(ctx, m.signer, rpc.MethodGetAppSessions, rpc.GetAppSessionsParams{
		Participant: m.address.Hex(),
		Status:      "open",
	})
	if err != nil {
		return err
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	return m.conn.Send(data)
}

// GetLedgerBalances queries the coordinator for the local participant's
// ledger balances and waits for the correlated reply.
func (m *Manager) GetLedgerBalances(ctx context.Context) ([]rpc.LedgerBalance, error) {
	if !m.conn.IsConnected() {
		return nil, clearnode.ErrNotConnected
	}
	req, err := rpc.NewRequest(ctx, m.signer, rpc.MethodGetLedgerBalances, struct{}{})
	if err != nil {
		return nil, err
	}
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	reply, err := m.conn.SendAndWait(ctx, data, req.ID(), 0)
	if err != nil {
		return nil, err
	}
	msg, err := rpc.Parse(reply)
	if err != nil {
		return nil, err
	}
	var balances []rpc.LedgerBalance
	if err := msg.Result(&balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// Reset discards any local session state without notifying the coordinator.
// Session state does not survive the connection: call Reset when the
// underlying connection tears down.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
}

// Active reports whether a session is open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// Snapshot returns a copy of the current ledger, or false when no session is
// open.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Snapshot{}, false
	}
	payments := make([]Payment, len(m.sess.payments))
	copy(payments, m.sess.payments)
	return Snapshot{
		ID:                  m.sess.id,
		Self:                m.address,
		Counterparty:        m.sess.counterparty,
		Asset:               m.sess.asset,
		SelfBalance:         new(big.Int).Set(m.sess.selfBalance),
		CounterpartyBalance: new(big.Int).Set(m.sess.counterpartyBalance),
		TotalSent:           new(big.Int).Set(m.sess.totalSent),
		Payments:            payments,
	}, true
}
