package prefs

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PublicResolver is the name-service resolver holding the text records on
// mainnet.
var PublicResolver = common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")

const resolverABIJSON = `[
	{"name":"setText","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"},{"name":"value","type":"string"}],"outputs":[]},
	{"name":"text","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]}
]`

var resolverABI = mustABI(resolverABIJSON)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TxRequest is an unsigned transaction for the host wallet to sign and
// broadcast. One transaction updates one record.
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Namehash computes the EIP-137 node hash for a name.
func Namehash(name string) common.Hash {
	node := common.Hash{}
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = common.BytesToHash(crypto.Keccak256(node.Bytes(), labelHash))
	}
	return node
}

// SetTextTx builds the setText transaction updating one record under name.
func SetTextTx(name, key, value string) (TxRequest, error) {
	data, err := resolverABI.Pack("setText", Namehash(name), key, value)
	if err != nil {
		return TxRequest{}, fmt.Errorf("encoding setText(%s): %w", key, err)
	}
	return TxRequest{To: PublicResolver, Data: data, Value: big.NewInt(0)}, nil
}

// Update holds preference fields to write; nil fields are left untouched.
type Update struct {
	ChainID *string
	Token   *string
	MaxTip  *string
}

// SetPreferencesTxs builds one setText transaction per field set in the
// update, in a fixed key order.
func SetPreferencesTxs(name string, u Update) ([]TxRequest, error) {
	type record struct {
		key   string
		value *string
	}
	var txs []TxRequest
	for _, rec := range []record{
		{KeyChain, u.ChainID},
		{KeyToken, u.Token},
		{KeyMaxTip, u.MaxTip},
	} {
		if rec.value == nil {
			continue
		}
		tx, err := SetTextTx(name, rec.key, *rec.value)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
