package prefs

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthReader reads text records straight from the public resolver contract.
type EthReader struct {
	client *ethclient.Client
}

var _ RecordReader = (*EthReader)(nil)

// NewEthReader connects to a mainnet RPC endpoint.
func NewEthReader(rpcURL string) (*EthReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	return &EthReader{client: client}, nil
}

func (r *EthReader) Text(ctx context.Context, name, key string) (string, error) {
	data, err := resolverABI.Pack("text", Namehash(name), key)
	if err != nil {
		return "", fmt.Errorf("encoding text(%s): %w", key, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &PublicResolver, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("calling resolver for %s: %w", key, err)
	}
	results, err := resolverABI.Unpack("text", out)
	if err != nil {
		return "", fmt.Errorf("decoding text(%s): %w", key, err)
	}
	value, ok := results[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected text(%s) result type %T", key, results[0])
	}
	return value, nil
}

// Close releases the underlying RPC connection.
func (r *EthReader) Close() {
	r.client.Close()
}
