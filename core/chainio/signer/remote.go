package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// plainTextMime makes clef apply the EIP-191 personal message prefix, the
// same scheme LocalSigner uses.
const plainTextMime = "text/plain"

// RemoteSigner delegates signing to an external custody service speaking
// clef's account_signData method.
type RemoteSigner struct {
	client  *rpc.Client
	address common.Address
}

func DialRemoteSigner(ctx context.Context, url string, address common.Address) (*RemoteSigner, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to remote signer %s: %w", url, err)
	}
	return NewRemoteSigner(client, address), nil
}

func NewRemoteSigner(client *rpc.Client, address common.Address) *RemoteSigner {
	return &RemoteSigner{client: client, address: address}
}

func (s *RemoteSigner) Address() common.Address { return s.address }

// Sign asks the remote service for an EIP-191 signature over
// keccak256(payload) and checks that it recovers to the configured owner.
func (s *RemoteSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	digest := Digest(payload)

	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, "account_signData", plainTextMime, s.address, hexutil.Bytes(digest)); err != nil {
		return nil, fmt.Errorf("remote signer: %w", err)
	}

	signer, err := RecoverAddress(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("remote signer returned an invalid signature: %w", err)
	}
	if signer != s.address {
		return nil, fmt.Errorf("remote signer signed as %s, expected %s", signer.Hex(), s.address.Hex())
	}
	return sig, nil
}

func (s *RemoteSigner) Close() {
	s.client.Close()
}
