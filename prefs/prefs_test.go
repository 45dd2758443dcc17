package prefs

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader struct {
	mu      sync.Mutex
	records map[string]string
	reads   int
	err     error
	barrier chan struct{}
}

func (r *mapReader) Text(_ context.Context, name, key string) (string, error) {
	if r.barrier != nil {
		<-r.barrier
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return "", r.err
	}
	return r.records[name+"/"+key], nil
}

func (r *mapReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func TestResolver_Defaults(t *testing.T) {
	r := NewResolver(&mapReader{}, nil)

	p, err := r.Preferences(context.Background(), "alice.eth")
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences(), p)
	assert.Equal(t, int64(42161), p.ChainID)
	assert.Equal(t, USDC[42161], p.Token)
	assert.Equal(t, "100", p.MaxTip)
}

func TestResolver_Records(t *testing.T) {
	custom := "0x1111111111111111111111111111111111111111"
	r := NewResolver(&mapReader{records: map[string]string{
		"bob.eth/" + KeyChain:  "10",
		"bob.eth/" + KeyToken:  custom,
		"bob.eth/" + KeyMaxTip: "25",
	}}, nil)

	p, err := r.Preferences(context.Background(), "bob.eth")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.ChainID)
	assert.Equal(t, common.HexToAddress(custom), p.Token)
	assert.Equal(t, "25", p.MaxTip)
}

func TestResolver_ChainRecordRedefaultsToken(t *testing.T) {
	// A chain record alone moves the default token to that chain's USDC.
	r := NewResolver(&mapReader{records: map[string]string{
		"carol.eth/" + KeyChain: "8453",
	}}, nil)

	p, err := r.Preferences(context.Background(), "carol.eth")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), p.ChainID)
	assert.Equal(t, USDC[8453], p.Token)
}

func TestResolver_MalformedRecordsFallBack(t *testing.T) {
	r := NewResolver(&mapReader{records: map[string]string{
		"dave.eth/" + KeyChain:  "not-a-number",
		"dave.eth/" + KeyToken:  "0xnothex",
		"dave.eth/" + KeyMaxTip: "   ",
	}}, nil)

	p, err := r.Preferences(context.Background(), "dave.eth")
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences(), p)
}

func TestResolver_ReadError(t *testing.T) {
	r := NewResolver(&mapReader{err: fmt.Errorf("rpc down")}, nil)

	_, err := r.Preferences(context.Background(), "erin.eth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyChain)
}

func TestResolver_CollapsesConcurrentLookups(t *testing.T) {
	reader := &mapReader{barrier: make(chan struct{})}
	r := NewResolver(reader, nil)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Preferences(context.Background(), "frank.eth"); err != nil {
				failures.Add(1)
			}
		}()
	}
	close(reader.barrier)
	wg.Wait()

	assert.Zero(t, failures.Load())
	// One resolve reads the three records exactly once each; duplicate
	// callers share it instead of issuing their own.
	assert.Less(t, reader.readCount(), 30)
}

func TestNamehash(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"", "0000000000000000000000000000000000000000000000000000000000000000"},
		{"eth", "93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"},
		{"foo.eth", "de9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
	}
	for _, tc := range cases {
		got := Namehash(tc.name)
		assert.Equal(t, tc.want, hex.EncodeToString(got.Bytes()), tc.name)
	}
}

func TestSetTextTx(t *testing.T) {
	tx, err := SetTextTx("alice.eth", KeyMaxTip, "50")
	require.NoError(t, err)

	assert.Equal(t, PublicResolver, tx.To)
	assert.Zero(t, tx.Value.Sign())
	// setText(bytes32,string,string) selector.
	require.GreaterOrEqual(t, len(tx.Data), 4)
	assert.Equal(t, "10f13a8c", hex.EncodeToString(tx.Data[:4]))

	args, err := resolverABI.Methods["setText"].Inputs.Unpack(tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(Namehash("alice.eth")), args[0])
	assert.Equal(t, KeyMaxTip, args[1])
	assert.Equal(t, "50", args[2])
}

func TestSetPreferencesTxs(t *testing.T) {
	chain := "10"
	maxTip := "5"
	txs, err := SetPreferencesTxs("alice.eth", Update{ChainID: &chain, MaxTip: &maxTip})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	// Fixed key order: chain before maxTip, token skipped when unset.
	key := func(tx TxRequest) string {
		args, err := resolverABI.Methods["setText"].Inputs.Unpack(tx.Data[4:])
		require.NoError(t, err)
		return args[1].(string)
	}
	assert.Equal(t, KeyChain, key(txs[0]))
	assert.Equal(t, KeyMaxTip, key(txs[1]))
}

func TestSetPreferencesTxs_Empty(t *testing.T) {
	txs, err := SetPreferencesTxs("alice.eth", Update{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestChainName(t *testing.T) {
	assert.Equal(t, "Arbitrum", ChainName(42161))
	assert.Equal(t, "Chain 999", ChainName(999))
}
