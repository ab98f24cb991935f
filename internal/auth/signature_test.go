package auth_test

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	body := []byte(`{"command_id":"550e8400-e29b-41d4-a716-446655440000","amount":"1"}`)

	sig, err := auth.Sign(command.TypeWithdrawFees, body, key)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[crypto.RecoveryIDOffset])

	got, err := auth.Recover(command.TypeWithdrawFees, body, sig)
	require.NoError(t, err)
	require.Equal(t, signer, got)

	// Raw 0/1 recovery ids are accepted too.
	raw := common.CopyBytes(sig)
	raw[crypto.RecoveryIDOffset] -= 27
	got, err = auth.Recover(command.TypeWithdrawFees, body, raw)
	require.NoError(t, err)
	require.Equal(t, signer, got)

	parsed, err := auth.ParseSignature(auth.FormatSignature(sig))
	require.NoError(t, err)
	require.Equal(t, sig, parsed)

	other, err := auth.Recover(command.TypeDeposit, body, sig)
	require.NoError(t, err)
	require.NotEqual(t, signer, other, "the command type is part of the signed message")
}

func TestRecover_Rejects(t *testing.T) {
	_, err := auth.Recover(command.TypeBuy, []byte("{}"), nil)
	require.ErrorIs(t, err, auth.ErrMissingSignature)

	_, err = auth.Recover(command.TypeBuy, []byte("{}"), make([]byte, 64))
	require.ErrorIs(t, err, auth.ErrBadSignature)

	_, err = auth.ParseSignature("")
	require.ErrorIs(t, err, auth.ErrMissingSignature)

	_, err = auth.ParseSignature("not-hex")
	require.ErrorIs(t, err, auth.ErrBadSignature)
}

func TestBind(t *testing.T) {
	signer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	buy := &command.Buy{}
	require.NoError(t, auth.Bind(buy, signer))
	require.Equal(t, signer, buy.Caller)
	require.NoError(t, auth.Bind(buy, signer))

	buy.Caller = other
	require.ErrorIs(t, auth.Bind(buy, signer), auth.ErrCallerMismatch)
	require.Equal(t, other, buy.Caller)
}

func TestRecover_AnyBodyRoundTrips(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	rapid.Check(t, func(rt *rapid.T) {
		body := rapid.SliceOf(rapid.Byte()).Draw(rt, "body")
		typ := rapid.SampledFrom(command.Types).Draw(rt, "type")

		sig, err := auth.Sign(typ, body, key)
		require.NoError(rt, err)
		got, err := auth.Recover(typ, body, sig)
		require.NoError(rt, err)
		require.Equal(rt, signer, got)
	})
}
