package ingestion

import (
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"context"
	"time"
)

// GRPCIngestService submits operator and API commands to the processor.
// High-volume producers should publish to NATS instead.
type GRPCIngestService struct {
	submit chan<- core.Submission
	now    func() time.Time
}

func NewGRPCIngestService(submit chan<- core.Submission) *GRPCIngestService {
	return &GRPCIngestService{submit: submit, now: time.Now}
}

// Submit hands cmd to the processor and waits for its result.
func (s *GRPCIngestService) Submit(ctx context.Context, cmd command.Command) (core.Result, error) {
	if err := command.Validate(cmd); err != nil {
		return core.Result{}, err
	}

	reply := make(chan core.Reply, 1)
	select {
	case s.submit <- core.Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return core.Result{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		// The command may still be applied; retrying with the same id is safe.
		return core.Result{}, ctx.Err()
	}
}

// SubmitSigned authenticates body as a command of type t signed with sig
// and submits it. The signer becomes the caller.
func (s *GRPCIngestService) SubmitSigned(ctx context.Context, t command.Type, body, sig []byte) (command.Command, core.Result, error) {
	cmd, err := DecodeSubmitted(t, body, sig, s.now())
	if err != nil {
		return nil, core.Result{}, err
	}
	res, err := s.Submit(ctx, cmd)
	return cmd, res, err
}
