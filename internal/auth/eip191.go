// Package auth verifies requests signed by kiosk devices. A kiosk holds a
// secp256k1 key and signs each request with an EIP-191 personal signature;
// the portal only trusts addresses it was configured with.
package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Sign produces a 65-byte EIP-191 signature with V in {27,28}.
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	hash := HashMessage(msg)

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Headers are the three values a signed request carries.
type Headers struct {
	Address   string
	Message   string // base64 JSON SignedRequest
	Signature string // 0x-prefixed hex
}

// SignRequest encodes req and signs it with key.
func SignRequest(req SignedRequest, key *ecdsa.PrivateKey) (Headers, error) {
	msg, err := json.Marshal(req)
	if err != nil {
		return Headers{}, fmt.Errorf("marshal signed request: %w", err)
	}
	sig, err := Sign(msg, key)
	if err != nil {
		return Headers{}, fmt.Errorf("sign request: %w", err)
	}
	return Headers{
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   base64.StdEncoding.EncodeToString(msg),
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}
