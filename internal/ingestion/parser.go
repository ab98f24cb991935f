package ingestion

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandSubjectPrefix roots every inbound subject: curve.cmd.<Type>[.<partition>].
const CommandSubjectPrefix = "curve.cmd."

// RawCommand is an undecoded command as received from NATS.
type RawCommand struct {
	Subject    string
	Data       []byte
	Signature  string // auth.SignatureHeader
	ReceivedAt time.Time
	AckFunc    func() // Processed, or rejected for good
	NakFunc    func() // Redeliver later
	TermFunc   func() // Malformed; never redeliver
}

// ParseSubject extracts the command type from a subject.
func ParseSubject(subject string) (command.Type, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: subject %q is not a command subject", command.ErrInvalid, subject)
	}
	t, _, _ := strings.Cut(rest, ".")
	if _, err := command.New(command.Type(t)); err != nil {
		return "", err
	}
	return command.Type(t), nil
}

// ParseRawCommand authenticates and decodes a command received from NATS.
// The submitter's timestamp is required; the core never reads the wall
// clock.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	sig, err := auth.ParseSignature(raw.Signature)
	if err != nil {
		return nil, err
	}
	cmd, err := decodeSigned(t, raw.Data, sig)
	if err != nil {
		return nil, err
	}
	if cmd.Meta().Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: %s: missing timestamp", command.ErrInvalid, t)
	}
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeSubmitted authenticates and decodes an API-submitted body. A
// missing timestamp is filled in here, at the shell. The command_id is
// required: it is the only thing stopping a captured signed body from being
// applied twice.
func DecodeSubmitted(t command.Type, body, sig []byte, now time.Time) (command.Command, error) {
	cmd, err := decodeSigned(t, body, sig)
	if err != nil {
		return nil, err
	}
	h := cmd.Meta()
	if h.Timestamp.IsZero() {
		h.Timestamp = now.UTC()
	}
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// decodeSigned recovers the signer of body and makes it the caller.
func decodeSigned(t command.Type, body, sig []byte) (command.Command, error) {
	cmd, err := command.New(t)
	if err != nil {
		return nil, err
	}
	signer, err := auth.Recover(t, body, sig)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, cmd); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", command.ErrInvalid, t, err)
	}
	if err := auth.Bind(cmd, signer); err != nil {
		return nil, err
	}
	return cmd, nil
}
