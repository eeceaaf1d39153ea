// Package batch implements the recursive accumulator that folds submitted
// messages into a chain of certificates.
//
// Each step re-verifies the previous certificate inside the certified
// computation, so a step over a broken predecessor cannot be produced and the
// final certificate stands for the whole chain. The public output is the
// highest sequence id among valid messages folded so far.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/provable"
	"veriBatch/go/internal/prover"
)

const (
	ProgramName = "batch-processor"
	MethodInit  = "init"
	MethodStep  = "processNext"
)

var (
	initDesc = prover.Descriptor{Program: ProgramName, Method: MethodInit}
	stepDesc = prover.Descriptor{Program: ProgramName, Method: MethodStep}
)

var (
	ErrVerification       = errors.New("batch: prior certificate does not verify")
	ErrForeignCertificate = errors.New("batch: certificate was not produced by this program")
	ErrNoPrior            = errors.New("batch: prior certificate is required")
)

// Options configures a Program.
type Options struct {
	// Branching selects with ordinary conditionals instead of the
	// data-independent selectors. Outputs are identical either way.
	Branching bool
	// Domain bounds message fields; zero means 64 bits.
	Domain message.Domain
}

// Program runs genesis and fold steps against one certifier.
type Program struct {
	certifier prover.Certifier
	opts      Options
	log       log.Logger
}

func New(certifier prover.Certifier, opts Options, logger log.Logger) (*Program, error) {
	if certifier == nil {
		return nil, fmt.Errorf("batch: certifier is required")
	}
	if opts.Domain.Bits == 0 {
		opts.Domain = message.DefaultDomain
	}
	if err := opts.Domain.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Program{
		certifier: certifier,
		opts:      opts,
		log:       logger.New("module", "batch"),
	}, nil
}

// Certifier exposes the backend, mainly so callers can verify certificates
// this program produced.
func (p *Program) Certifier() prover.Certifier { return p.certifier }

func (p *Program) Domain() message.Domain { return p.opts.Domain }

// Genesis produces the starting certificate: input 0, output 0, nothing
// folded.
func (p *Program) Genesis(ctx context.Context) (*prover.Certificate, error) {
	start := time.Now()
	cert, err := p.certifier.Produce(ctx, initDesc, 0, func(context.Context, prover.Verifier) (uint64, error) {
		return 0, nil
	})
	metrics.ObserveBusiness("genesis", start, err)
	if err != nil {
		return nil, fmt.Errorf("batch: genesis: %w", err)
	}
	metrics.IncCertificates(MethodInit)
	return cert, nil
}

// Step folds one message into the chain ending at prior.
//
// Inside the certified computation:
//  1. prior is re-verified; failure aborts with ErrVerification.
//  2. prior must come from this program.
//  3. the submission must fit the domain.
//  4. the message is checked against the validity predicate.
//  5. candidate = max(prior output, messageID), ties keep the prior output.
//  6. output = valid ? candidate : prior output.
//
// Either a complete certificate is returned or none.
func (p *Program) Step(ctx context.Context, messageID uint64, msg message.Message, prior *prover.Certificate) (*prover.Certificate, error) {
	if prior == nil {
		return nil, ErrNoPrior
	}
	start := time.Now()
	cert, err := p.certifier.Produce(ctx, stepDesc, messageID, func(ctx context.Context, v prover.Verifier) (uint64, error) {
		if err := v.Verify(ctx, prior); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			metrics.IncVerificationFailures("step")
			return 0, fmt.Errorf("%w: %w", ErrVerification, err)
		}
		if prior.Program != ProgramName {
			return 0, fmt.Errorf("%w: %s", ErrForeignCertificate, prior.Descriptor())
		}
		if err := p.opts.Domain.CheckSubmission(message.Submission{MessageID: messageID, Message: msg}); err != nil {
			return 0, err
		}
		return p.fold(prior.PublicOutput, messageID, msg.Valid()), nil
	})
	metrics.ObserveBusiness("step", start, err)
	if err != nil {
		p.log.Debug("Step rejected", "id", messageID, "prior", prior.PublicOutput, "err", err)
		return nil, fmt.Errorf("batch: step %d: %w", messageID, err)
	}
	metrics.IncCertificates(MethodStep)
	metrics.IncMessagesFolded(msg.IsValid())
	return cert, nil
}

func (p *Program) fold(prior, messageID uint64, valid provable.Bool) uint64 {
	if p.opts.Branching {
		return FoldBranching(prior, messageID, valid.Bool())
	}
	return Fold(prior, messageID, valid)
}

// Fold is the accumulator's data step with every operand evaluated.
func Fold(prior, messageID uint64, valid provable.Bool) uint64 {
	candidate := provable.Max(prior, messageID)
	return provable.If(valid, candidate, prior)
}

// FoldBranching is Fold written with ordinary conditionals.
func FoldBranching(prior, messageID uint64, valid bool) uint64 {
	if !valid || messageID <= prior {
		return prior
	}
	return messageID
}
