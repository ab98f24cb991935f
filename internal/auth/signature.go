// Package auth authenticates submitted commands. A command is signed with
// the caller's secp256k1 key over EIP-191 personal-message bytes; the
// recovered address is the only identity the engine sees.
package auth

import (
	"CurvePool/internal/command"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureHeader carries the hex signature on HTTP requests and NATS
// messages. gRPC clients put it in SubmitRequest.Signature.
const SignatureHeader = "X-Curve-Signature"

var (
	ErrMissingSignature = errors.New("missing command signature")
	ErrBadSignature     = errors.New("invalid command signature")
	ErrCallerMismatch   = errors.New("caller does not match signer")
)

// Message is what gets signed: the command type, a newline, then the exact
// JSON body. Binding the type stops a body from being replayed as another
// command.
func Message(t command.Type, body []byte) []byte {
	msg := make([]byte, 0, len(t)+1+len(body))
	msg = append(msg, string(t)...)
	msg = append(msg, '\n')
	return append(msg, body...)
}

// Digest is the EIP-191 hash of msg, as produced by personal_sign.
func Digest(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Sign signs a command body. V is returned as 27 or 28.
func Sign(t command.Type, body []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(Digest(Message(t, body)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed body as a command of type t.
// V may be 0/1 or 27/28.
func Recover(t command.Type, body, sig []byte) (common.Address, error) {
	if len(sig) == 0 {
		return common.Address{}, ErrMissingSignature
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}
	rsv := common.CopyBytes(sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(Message(t, body)), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseSignature decodes a 0x-prefixed hex signature. Empty input yields
// ErrMissingSignature.
func ParseSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrMissingSignature
	}
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return sig, nil
}

func FormatSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

// Bind makes signer the caller of cmd. A body that names a different
// caller is rejected.
func Bind(cmd command.Command, signer common.Address) error {
	h := cmd.Meta()
	switch h.Caller {
	case common.Address{}:
		h.Caller = signer
	case signer:
	default:
		return fmt.Errorf("%w: body names %s, signed by %s", ErrCallerMismatch, h.Caller.Hex(), signer.Hex())
	}
	return nil
}
