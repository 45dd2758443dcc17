package rpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSigning indicates the signer refused or failed to produce a signature.
var ErrSigning = errors.New("signing message")

// MessageSigner signs the canonical serialization of an outbound payload and
// returns a hex-encoded signature. A signer backed by a wallet may prompt the
// user, so Sign can take arbitrarily long; it must honor ctx cancellation.
// Signatures over identical payloads are not assumed identical.
type MessageSigner interface {
	Sign(ctx context.Context, payload []byte) (string, error)
}

// LocalSigner signs payloads with an in-process secp256k1 key using the
// EIP-191 personal-message scheme, producing the same signatures a wallet's
// signMessage call returns. Useful for tests and non-browser hosts.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return &LocalSigner{key: key}, nil
}

// Address returns the account address the signer proves identity for.
func (s *LocalSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *LocalSigner) Sign(_ context.Context, payload []byte) (string, error) {
	hash := accounts.TextHash(payload)
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	// Ethereum wallets report the recovery id as 27/28.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner recovers the address that signed payload under the EIP-191
// personal-message scheme.
func RecoverSigner(payload []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
