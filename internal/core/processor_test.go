package core_test

import (
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"CurvePool/internal/custody"
	"CurvePool/internal/event"
	"CurvePool/internal/ledger"
	"CurvePool/internal/pricing"
	"CurvePool/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	bank    *custody.Bank
	proc    *core.Processor
	persist chan core.CoreOutput
	project chan core.CoreOutput
}

// newPipeline builds a processor with buffered output channels and no DB
// checker. Balances for the factory and router are minted directly.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	project := make(chan core.CoreOutput, 1024)
	bank := custody.NewBank()
	eng, err := core.NewEngine(engineAddr, owner, bank,
		core.WithEventLog(core.NewEventLog(0, persist, project, nil)),
		core.WithOracle(pricing.Constant(u(2_000_000))),
	)
	require.NoError(t, err)

	require.NoError(t, bank.Mint(token, factory, u(1_000_000_000_000)))
	require.NoError(t, bank.Mint(usdt, factory, u(1_000_000_000)))
	require.NoError(t, bank.Mint(usdt, router, u(1_000_000_000)))

	return &pipeline{
		bank:    bank,
		proc:    core.NewProcessor(eng, nil, nil, zerolog.Nop()),
		persist: persist,
		project: project,
	}
}

var baseTime = time.UnixMicro(1_700_000_000_000_000).UTC()

func header(caller common.Address, seq int64) command.Header {
	return command.Header{
		ID:        uuid.New(),
		Caller:    caller,
		Timestamp: baseTime.Add(time.Duration(seq) * time.Millisecond),
	}
}

// bootstrap assigns every role and registers one pool.
func (p *pipeline) bootstrap(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	fields := []struct {
		field state.Field
		value common.Address
	}{
		{state.FieldQuoteAsset, usdt},
		{state.FieldFactory, factory},
		{state.FieldRouter, router},
		{state.FieldFeeCollector, collector},
	}
	for i, f := range fields {
		_, err := p.proc.Process(ctx, &command.SetAddress{Header: header(owner, int64(i)), Field: f.field, Value: f.value})
		require.NoError(t, err)
	}
	_, err := p.proc.Process(ctx, &command.RegisterPool{
		Header:        header(factory, 10),
		Asset:         token,
		Creator:       user,
		InitialSupply: u(1_000_000_000_000),
		InitialQuote:  u(1_000_000),
	})
	require.NoError(t, err)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestProcessor_BuyEmitsEnvelopeAndJournals(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	drain(p.persist)

	cmd := &command.Buy{Header: header(router, 20), Asset: token, QuoteIn: u(1_000_000), Recipient: user}
	res, err := p.proc.Process(context.Background(), cmd)
	require.NoError(t, err)
	require.Equal(t, uint64(497_500), res.Out.Uint64())
	require.NotNil(t, res.Envelope)
	require.Equal(t, int64(5), res.Envelope.Sequence)
	require.Equal(t, cmd.ID.String(), res.Envelope.IdempotencyKey)
	require.Equal(t, cmd.Timestamp, res.Envelope.Timestamp)

	outs := drain(p.persist)
	require.Len(t, outs, 1)
	out := outs[0]
	require.Equal(t, res.Envelope, out.Envelope)
	require.NotNil(t, out.Batch)
	require.Len(t, out.Batch.Journals, 2)
	require.Equal(t, ledger.JournalTypeBuyIn, out.Batch.Journals[0].JournalType)
	require.Equal(t, ledger.JournalTypeBuyOut, out.Batch.Journals[1].JournalType)
	require.Equal(t, int64(5), out.Batch.Sequence)
	require.Equal(t, cmd.ID.String(), out.Batch.EventRef)

	// Stored command round-trips for replay.
	stored, err := command.Unmarshal(out.Envelope.Command)
	require.NoError(t, err)
	require.Equal(t, command.TypeBuy, stored.CommandType())
	require.Equal(t, core.ChainHash(out.Envelope.PrevHash, 5, out.StateDigest), out.Envelope.StateHash)

	require.Len(t, drain(p.project), 6)
}

func TestProcessor_DuplicateCommandSkipped(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx := context.Background()

	cmd := &command.Buy{Header: header(router, 20), Asset: token, QuoteIn: u(1_000_000), Recipient: user}
	_, err := p.proc.Process(ctx, cmd)
	require.NoError(t, err)
	next := p.proc.GetSequence()

	res, err := p.proc.Process(ctx, cmd)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, next, p.proc.GetSequence())
	require.Equal(t, uint64(497_500), p.bank.BalanceOf(token, user).Uint64())
}

func TestProcessor_FailedCommandCanBeRetried(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx := context.Background()

	cmd := &command.WithdrawFees{Header: header(collector, 20), Amount: u(1_000_000_000)}
	_, err := p.proc.Process(ctx, cmd)
	require.Equal(t, core.KindInsolvency, core.KindOf(err))

	cmd.Amount = u(1)
	res, err := p.proc.Process(ctx, cmd)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, event.EventTypeFeesWithdrawn, res.Envelope.EventType)
}

func TestProcessor_Slippage(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx := context.Background()
	next := p.proc.GetSequence()

	_, err := p.proc.Process(ctx, &command.Buy{
		Header: header(router, 20), Asset: token, QuoteIn: u(1_000_000), Recipient: user,
		MinTokenOut: u(497_501),
	})
	require.Equal(t, core.KindBounds, core.KindOf(err))
	require.True(t, errors.Is(err, core.ErrSlippage))
	require.Equal(t, next, p.proc.GetSequence())

	res, err := p.proc.Process(ctx, &command.Buy{
		Header: header(router, 21), Asset: token, QuoteIn: u(1_000_000), Recipient: router,
		MinTokenOut: u(497_500),
	})
	require.NoError(t, err)

	_, err = p.proc.Process(ctx, &command.Sell{
		Header: header(router, 22), Asset: token, TokenIn: res.Out, Recipient: user,
		MinQuoteOut: u(1_000_000),
	})
	require.True(t, errors.Is(err, core.ErrSlippage))
}

func TestProcessor_RejectsInvalidCommand(t *testing.T) {
	p := newPipeline(t)
	_, err := p.proc.Process(context.Background(), &command.Buy{Header: command.Header{Caller: router}, Asset: token, QuoteIn: u(1)})
	require.True(t, errors.Is(err, command.ErrInvalid))
}

func TestProcessor_ReplayReproducesChain(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.proc.Process(ctx, &command.Buy{
			Header: header(router, int64(20+i)), Asset: token, QuoteIn: u(uint64(1_000_000 * (i + 1))), Recipient: router,
		})
		require.NoError(t, err)
	}
	_, err := p.proc.Process(ctx, &command.Sell{Header: header(router, 30), Asset: token, TokenIn: u(10_000), Recipient: user})
	require.NoError(t, err)

	outs := drain(p.persist)
	require.Len(t, outs, 9)

	// Fresh pipeline with the same pre-funded balances replays the log.
	replica := newPipeline(t)
	for _, o := range outs {
		require.NoError(t, replica.proc.Replay(ctx, o.Envelope))
	}
	require.Equal(t, p.proc.GetStateHash(), replica.proc.GetStateHash())
	require.Equal(t, p.proc.GetSequence(), replica.proc.GetSequence())
	require.Empty(t, drain(replica.persist), "replay must not re-emit")

	// Replayed command ids are known to the dedup cache.
	res, err := replica.proc.Process(ctx, mustUnmarshal(t, outs[6].Envelope.Command))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
}

func TestProcessor_ReplayDetectsTampering(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	outs := drain(p.persist)

	replica := newPipeline(t)
	ctx := context.Background()
	for _, o := range outs[:4] {
		require.NoError(t, replica.proc.Replay(ctx, o.Envelope))
	}
	tampered := *outs[4].Envelope
	tampered.StateHash[0] ^= 0xff
	require.ErrorContains(t, replica.proc.Replay(ctx, &tampered), "state hash mismatch")

	gap := *outs[4].Envelope
	gap.Sequence = 9
	require.ErrorContains(t, replica.proc.Replay(ctx, &gap), "replay gap")
}

func TestProcessor_SnapshotCarriesIdempotencyKeys(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx := context.Background()
	cmd := &command.Buy{Header: header(router, 20), Asset: token, QuoteIn: u(1_000), Recipient: user}
	_, err := p.proc.Process(ctx, cmd)
	require.NoError(t, err)

	snap := p.proc.CreateSnapshotState()
	require.Contains(t, snap.IdempotencyKeys, cmd.ID.String())

	bank := custody.NewBank()
	eng, err := core.NewEngine(engineAddr, owner, bank, core.WithOracle(pricing.Constant(u(2_000_000))))
	require.NoError(t, err)
	restored := core.NewProcessor(eng, nil, nil, zerolog.Nop())
	require.NoError(t, restored.RestoreFromSnapshot(snap))

	res, err := restored.Process(ctx, cmd)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, p.proc.GetStateHash(), restored.GetStateHash())
}

func TestProcessor_RunReplies(t *testing.T) {
	p := newPipeline(t)
	p.bootstrap(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan core.Submission)
	done := make(chan error, 1)
	go func() { done <- p.proc.Run(ctx, in) }()

	reply := make(chan core.Reply, 1)
	in <- core.Submission{
		Command: &command.Buy{Header: header(router, 20), Asset: token, QuoteIn: u(1_000_000), Recipient: user},
		Reply:   reply,
	}
	r := <-reply
	require.NoError(t, r.Err)
	require.Equal(t, uint64(497_500), r.Result.Out.Uint64())

	close(in)
	require.NoError(t, <-done)
}

func mustUnmarshal(t *testing.T, data []byte) command.Command {
	t.Helper()
	cmd, err := command.Unmarshal(data)
	require.NoError(t, err)
	return cmd
}

