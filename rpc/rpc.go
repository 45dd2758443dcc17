// Package rpc implements the request/response envelope used on the ClearNode
// control socket. Every frame is a JSON object holding a payload tuple of
// (request id, method, params, timestamp) under "req" for requests or "res"
// for responses, and the signatures over the canonical serialization of that
// tuple under "sig".
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the clearing protocol spoken with the coordinator.
const ProtocolVersion = "NitroRPC/0.2"

const (
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodPing              = "ping"
	MethodError             = "error"
	MethodCreateAppSession  = "create_app_session"
	MethodSubmitAppState    = "submit_app_state"
	MethodCloseAppSession   = "close_app_session"
	MethodGetAppSessions    = "get_app_sessions"
	MethodGetLedgerBalances = "get_ledger_balances"
)

// Payload is the signed tuple carried by every envelope. It serializes as the
// JSON array [requestID, method, params, timestamp]. The tuple is immutable
// once signed: any mutation invalidates the signature.
type Payload struct {
	RequestID uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// NewPayload builds a payload for an outbound request, marshaling params and
// assigning a fresh request id and the current timestamp.
func NewPayload(method string, params any) (Payload, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return Payload{
		RequestID: nextRequestID(),
		Method:    method,
		Params:    raw,
		Timestamp: uint64(time.Now().UnixMilli()),
	}, nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]any{p.RequestID, p.Method, params, p.Timestamp})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("decoding payload tuple: %w", err)
	}
	if len(tuple) < 3 {
		return fmt.Errorf("payload tuple has %d elements, want at least 3", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.RequestID); err != nil {
		return fmt.Errorf("decoding request id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &p.Method); err != nil {
		return fmt.Errorf("decoding method: %w", err)
	}
	p.Params = tuple[2]
	p.Timestamp = 0
	if len(tuple) > 3 {
		if err := json.Unmarshal(tuple[3], &p.Timestamp); err != nil {
			return fmt.Errorf("decoding timestamp: %w", err)
		}
	}
	return nil
}

// Message is an inbound frame, either a response correlated to an outstanding
// request or a request pushed by the coordinator (such as auth_challenge).
type Message struct {
	Payload    Payload
	Signatures []string

	// Push is true when the frame carried a "req" envelope, meaning the
	// coordinator initiated it rather than answering one of ours.
	Push bool
}

// Parse decodes a single inbound frame.
func Parse(data []byte) (Message, error) {
	var frame struct {
		Req *Payload `json:"req"`
		Res *Payload `json:"res"`
		Sig []string `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Message{}, fmt.Errorf("decoding frame: %w", err)
	}
	switch {
	case frame.Res != nil:
		return Message{Payload: *frame.Res, Signatures: frame.Sig}, nil
	case frame.Req != nil:
		return Message{Payload: *frame.Req, Signatures: frame.Sig, Push: true}, nil
	}
	return Message{}, fmt.Errorf("frame carries neither req nor res")
}

// Err returns the coordinator-reported error carried by the message, or nil
// if the message is not an error response.
func (m Message) Err() error {
	if m.Payload.Method != MethodError {
		return nil
	}
	var params struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(m.Payload.Params, &params)
	if params.Error == "" {
		params.Error = "unknown error"
	}
	return fmt.Errorf("coordinator: %s", params.Error)
}

// Result unmarshals the message params into v.
func (m Message) Result(v any) error {
	if err := json.Unmarshal(m.Payload.Params, v); err != nil {
		return fmt.Errorf("decoding %s result: %w", m.Payload.Method, err)
	}
	return nil
}

// Request is an outbound signed envelope.
type Request struct {
	Req Payload  `json:"req"`
	Sig []string `json:"sig"`
}

// NewRequest builds and signs an outbound request. The signature covers the
// canonical serialization of the payload tuple, so the tuple is finalized
// before signing.
func NewRequest(ctx context.Context, signer MessageSigner, method string, params any) (*Request, error) {
	payload, err := NewPayload(method, params)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload for %s: %w", method, err)
	}
	sig, err := signer.Sign(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return &Request{Req: payload, Sig: []string{sig}}, nil
}

// ID returns the request id assigned to the envelope.
func (r *Request) ID() uint64 {
	return r.Req.RequestID
}

// Encode serializes the envelope for transmission.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", r.Req.Method, err)
	}
	return data, nil
}

// Request ids must stay unique long enough that a stray late reply to a timed
// out request cannot collide with a future one. Ids start at the current unix
// millisecond and increase strictly from there.
var lastRequestID atomic.Uint64

func nextRequestID() uint64 {
	for {
		last := lastRequestID.Load()
		id := uint64(time.Now().UnixMilli())
		if id <= last {
			id = last + 1
		}
		if lastRequestID.CompareAndSwap(last, id) {
			return id
		}
	}
}
