package core

import (
	"CurvePool/internal/command"
	"CurvePool/internal/event"
	"CurvePool/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrSlippage is wrapped (as KindBounds) when a trade's previewed output is
// below the caller's minimum.
var ErrSlippage = errors.New("output below minimum")

// Result describes the outcome of one processed command.
type Result struct {
	// Envelope of the committed event; nil for duplicates.
	Envelope *event.EventEnvelope

	// Tokens bought or quote paid out, for trades.
	Out *uint256.Int

	Duplicate bool
}

// Processor feeds commands to the engine one at a time: it deduplicates by
// command id, enforces caller slippage limits and stamps the command onto
// the events the engine emits.
type Processor struct {
	engine      *Engine
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewProcessor(engine *Engine, idempotency *IdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	if idempotency == nil {
		idempotency = NewIdempotencyChecker(1_000_000, nil, metrics, logger)
	}
	return &Processor{
		engine:      engine,
		idempotency: idempotency,
		metrics:     metrics,
		logger:      logger,
	}
}

// Engine returns the engine the processor drives.
func (p *Processor) Engine() *Engine {
	return p.engine
}

// Process applies cmd. A command whose id was already applied is skipped
// and reported as a duplicate without error.
func (p *Processor) Process(ctx context.Context, cmd command.Command) (Result, error) {
	start := time.Now()
	if err := command.Validate(cmd); err != nil {
		return Result{}, err
	}
	h := cmd.Meta()
	key := h.ID.String()

	if p.idempotency.IsDuplicate(ctx, key) {
		if p.metrics != nil {
			p.metrics.CoreCommandsRejected.WithLabelValues(string(cmd.CommandType()), "duplicate").Inc()
		}
		return Result{Duplicate: true}, nil
	}

	raw, err := command.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("marshal %s: %w", cmd.CommandType(), err)
	}
	ctx = WithCommand(ctx, CommandMeta{ID: key, Timestamp: h.Timestamp, Raw: raw})

	if err := p.checkSlippage(ctx, cmd); err != nil {
		return Result{}, err
	}

	res, err := p.apply(ctx, cmd)
	if err != nil {
		p.logger.Info().
			Err(err).
			Str("command", string(cmd.CommandType())).
			Str("command_id", key).
			Str("kind", KindOf(err).String()).
			Msg("command rejected")
		return Result{}, err
	}

	p.idempotency.MarkProcessed(key)
	if p.metrics != nil {
		p.metrics.IngestToApply.WithLabelValues(string(cmd.CommandType())).Observe(time.Since(start).Seconds())
	}
	return res, nil
}

// apply dispatches cmd and picks up the envelope it produced.
func (p *Processor) apply(ctx context.Context, cmd command.Command) (Result, error) {
	before := p.engine.log.NextSequence()
	out, err := p.dispatch(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	res := Result{Out: out}
	if p.engine.log.NextSequence() > before {
		res.Envelope = p.engine.log.Last()
	}
	return res, nil
}

func (p *Processor) dispatch(ctx context.Context, cmd command.Command) (*uint256.Int, error) {
	e := p.engine
	caller := cmd.Meta().Caller

	switch c := cmd.(type) {
	case *command.RegisterPool:
		req := RegisterRequest{
			Asset:         c.Asset,
			Creator:       c.Creator,
			InitialSupply: c.InitialSupply,
			InitialQuote:  c.InitialQuote,
		}
		if c.Curve != nil {
			params := c.Curve.Params()
			req.Curve = &params
		}
		return nil, e.Register(ctx, caller, req)
	case *command.Buy:
		return e.Buy(ctx, caller, c.Asset, c.QuoteIn, c.Recipient)
	case *command.Sell:
		return e.Sell(ctx, caller, c.Asset, c.TokenIn, c.Recipient)
	case *command.WithdrawFees:
		return nil, e.WithdrawFees(ctx, caller, c.Amount)
	case *command.SetAddress:
		return nil, e.SetField(ctx, caller, c.Field, c.Value)
	case *command.SetCurveParams:
		return nil, e.SetCurveParams(ctx, caller, c.Asset, c.Curve.Params())
	case *command.Deposit:
		return nil, e.Deposit(ctx, caller, c.Asset, c.Account, c.Amount)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// checkSlippage previews trades that carry a minimum output. The processor
// is the only writer, so the preview matches what the trade will produce.
func (p *Processor) checkSlippage(ctx context.Context, cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.Buy:
		if c.MinTokenOut == nil {
			return nil
		}
		q, err := p.engine.QuoteBuy(ctx, c.Asset, c.QuoteIn)
		if err != nil {
			return err
		}
		if q.Out.Lt(c.MinTokenOut) {
			p.slippageRejected("buy")
			return fail(KindBounds, OpBuy, fmt.Errorf("%w: %s < %s", ErrSlippage, q.Out.Dec(), c.MinTokenOut.Dec()))
		}
	case *command.Sell:
		if c.MinQuoteOut == nil {
			return nil
		}
		q, err := p.engine.QuoteSell(ctx, c.Asset, c.TokenIn)
		if err != nil {
			return err
		}
		if q.Out.Lt(c.MinQuoteOut) {
			p.slippageRejected("sell")
			return fail(KindBounds, OpSell, fmt.Errorf("%w: %s < %s", ErrSlippage, q.Out.Dec(), c.MinQuoteOut.Dec()))
		}
	}
	return nil
}

func (p *Processor) slippageRejected(side string) {
	if p.metrics != nil {
		p.metrics.SlippageRejects.WithLabelValues(side).Inc()
	}
}

// Replay re-executes the command stored in env without emitting to the
// persist or projection channels, and checks the engine reproduces the same
// sequence and state hash.
func (p *Processor) Replay(ctx context.Context, env *event.EventEnvelope) error {
	if len(env.Command) == 0 {
		return fmt.Errorf("event %d has no stored command", env.Sequence)
	}
	if next := p.engine.log.NextSequence(); env.Sequence != next {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", next, env.Sequence)
	}
	cmd, err := command.Unmarshal(env.Command)
	if err != nil {
		return fmt.Errorf("decode command at %d: %w", env.Sequence, err)
	}

	p.engine.log.SetMuted(true)
	defer p.engine.log.SetMuted(false)

	ctx = WithCommand(ctx, CommandMeta{ID: env.IdempotencyKey, Timestamp: env.Timestamp, Raw: env.Command})
	res, err := p.apply(ctx, cmd)
	if err != nil {
		return fmt.Errorf("replay %d (%s): %w", env.Sequence, env.EventType, err)
	}
	if res.Envelope == nil {
		return fmt.Errorf("replay %d produced no event", env.Sequence)
	}
	if res.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("state hash mismatch at %d: stored %x, replayed %x", env.Sequence, env.StateHash, res.Envelope.StateHash)
	}
	p.idempotency.MarkProcessed(env.IdempotencyKey)
	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// CreateSnapshotState captures engine state together with recent command ids.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	snap := p.engine.CreateSnapshotState()
	snap.IdempotencyKeys = p.idempotency.Keys()
	return snap
}

// RestoreFromSnapshot restores the engine and warms the idempotency LRU.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := p.engine.RestoreFromSnapshot(snap); err != nil {
		return err
	}
	p.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// GetSequence returns the next sequence to be assigned.
func (p *Processor) GetSequence() int64 {
	return p.engine.log.NextSequence()
}

// GetStateHash returns the current chain tip.
func (p *Processor) GetStateHash() [32]byte {
	return p.engine.log.Tip()
}

// Submission pairs a command with a channel for its result.
type Submission struct {
	Command command.Command
	Reply   chan<- Reply
}

type Reply struct {
	Result Result
	Err    error
}

// Run serves submissions until ctx is done or in is closed. Replies are sent
// without blocking; a submitter must provide a buffered channel.
func (p *Processor) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			res, err := p.Process(ctx, sub.Command)
			if sub.Reply != nil {
				select {
				case sub.Reply <- Reply{Result: res, Err: err}:
				default:
					p.logger.Warn().Str("command_id", sub.Command.Meta().ID.String()).Msg("reply dropped")
				}
			}
		}
	}
}

