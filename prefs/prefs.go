// Package prefs reads and writes a recipient's payment preferences, stored as
// text records under their name in the on-chain name service. The store is
// treated as an opaque key-value interface; writes are expressed as unsigned
// transactions for the host wallet to sign and broadcast.
package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/payflow/payflow-go/logger"
)

// Well-known text-record keys.
const (
	KeyChain  = "com.payflow.chain"
	KeyToken  = "com.payflow.token"
	KeyMaxTip = "com.payflow.maxTip"
)

// Preferences are a recipient's payment preferences with defaults applied for
// any record that is absent or malformed.
type Preferences struct {
	// ChainID is the chain the recipient wants to be paid on.
	ChainID int64
	// Token is the token contract the recipient wants to receive.
	Token common.Address
	// MaxTip is the largest payment the recipient accepts, as a decimal
	// string in whole tokens.
	MaxTip string
}

// DefaultPreferences apply when a recipient has no records set.
func DefaultPreferences() Preferences {
	return Preferences{
		ChainID: 42161,
		Token:   USDC[42161],
		MaxTip:  "100",
	}
}

// RecordReader reads one text record for a name. An absent record returns an
// empty string and no error.
type RecordReader interface {
	Text(ctx context.Context, name, key string) (string, error)
}

// RecordReaderFunc adapts a function to the RecordReader interface.
type RecordReaderFunc func(ctx context.Context, name, key string) (string, error)

func (f RecordReaderFunc) Text(ctx context.Context, name, key string) (string, error) {
	return f(ctx, name, key)
}

// Resolver resolves a name's payment preferences. Concurrent lookups of the
// same name are collapsed into a single read of the underlying store.
type Resolver struct {
	reader RecordReader
	logger logger.Logger
	group  singleflight.Group
}

func NewResolver(reader RecordReader, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Resolver{reader: reader, logger: log}
}

// Preferences reads the three well-known records for name, falling back to
// the defaults field by field.
func (r *Resolver) Preferences(ctx context.Context, name string) (Preferences, error) {
	v, err, _ := r.group.Do(name, func() (any, error) {
		return r.resolve(ctx, name)
	})
	if err != nil {
		return Preferences{}, err
	}
	return v.(Preferences), nil
}

func (r *Resolver) resolve(ctx context.Context, name string) (Preferences, error) {
	p := DefaultPreferences()

	chain, err := r.reader.Text(ctx, name, KeyChain)
	if err != nil {
		return Preferences{}, fmt.Errorf("reading %s for %s: %w", KeyChain, name, err)
	}
	if id, ok := parseChainID(chain); ok {
		p.ChainID = id
		if usdc, ok := USDC[id]; ok {
			p.Token = usdc
		}
	}

	token, err := r.reader.Text(ctx, name, KeyToken)
	if err != nil {
		return Preferences{}, fmt.Errorf("reading %s for %s: %w", KeyToken, name, err)
	}
	if common.IsHexAddress(token) {
		p.Token = common.HexToAddress(token)
	}

	maxTip, err := r.reader.Text(ctx, name, KeyMaxTip)
	if err != nil {
		return Preferences{}, fmt.Errorf("reading %s for %s: %w", KeyMaxTip, name, err)
	}
	if maxTip = strings.TrimSpace(maxTip); maxTip != "" {
		p.MaxTip = maxTip
	}

	r.logger.Debug("resolved preferences", map[string]any{
		"name": name, "chain": p.ChainID, "token": p.Token.Hex(), "max_tip": p.MaxTip,
	})
	return p, nil
}

func parseChainID(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
