package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrDomain marks a field that does not fit the declared bit-width.
var ErrDomain = errors.New("message: value outside domain")

// DomainError is returned at the submission boundary for out-of-range input.
type DomainError struct {
	Field string
	Value string
	Bits  int
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("message: field %s=%q is not a %d-bit unsigned integer", e.Field, e.Value, e.Bits)
}

func (e *DomainError) Unwrap() error { return ErrDomain }

// Domain is the fixed bit-width every field is bounded to.
type Domain struct {
	Bits int
}

// DefaultDomain is the 64-bit domain.
var DefaultDomain = Domain{Bits: 64}

func (d Domain) Validate() error {
	if d.Bits < 1 || d.Bits > 64 {
		return fmt.Errorf("message: bit-width %d out of range 1..64", d.Bits)
	}
	return nil
}

// Max is the largest value representable in the domain.
func (d Domain) Max() uint64 {
	if d.Bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(d.Bits) - 1
}

func (d Domain) check(field string, v uint64) error {
	if v > d.Max() {
		return &DomainError{Field: field, Value: strconv.FormatUint(v, 10), Bits: d.Bits}
	}
	return nil
}

// Check verifies that every message field fits the domain.
func (d Domain) Check(m Message) error {
	return errors.Join(
		d.check("agent_id", m.AgentID),
		d.check("x", m.X),
		d.check("y", m.Y),
		d.check("checksum", m.Checksum),
	)
}

// CheckSubmission also bounds the sequence id.
func (d Domain) CheckSubmission(s Submission) error {
	if err := d.check("message_id", s.MessageID); err != nil {
		return err
	}
	return d.Check(s.Message)
}

// RawSubmission is a submission as it arrives over the wire, before any
// field has been bounded.
type RawSubmission struct {
	MessageID json.Number `json:"message_id"`
	AgentID   json.Number `json:"agent_id"`
	X         json.Number `json:"x"`
	Y         json.Number `json:"y"`
	Checksum  json.Number `json:"checksum"`
}

// ParseField parses one decimal field, rejecting negatives, fractions and
// anything wider than the domain.
func (d Domain) ParseField(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, d.Bits)
	if err != nil {
		return 0, &DomainError{Field: field, Value: s, Bits: d.Bits}
	}
	return v, nil
}

// Parse bounds every field of a raw submission.
func (d Domain) Parse(raw RawSubmission) (Submission, error) {
	var (
		s    Submission
		errs []error
	)
	parse := func(field string, n json.Number, dst *uint64) {
		v, err := d.ParseField(field, n.String())
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse("message_id", raw.MessageID, &s.MessageID)
	parse("agent_id", raw.AgentID, &s.Message.AgentID)
	parse("x", raw.X, &s.Message.X)
	parse("y", raw.Y, &s.Message.Y)
	parse("checksum", raw.Checksum, &s.Message.Checksum)
	if len(errs) > 0 {
		return Submission{}, errors.Join(errs...)
	}
	return s, nil
}
