// Package ledger applies final batch certificates to the persisted
// highestMessageId counter.
//
// The counter only moves through ProcessBatch, which verifies the certificate
// and then writes max(current, output) in one serialized transaction of the
// backing store. A certificate whose output does not exceed the counter is
// accepted and leaves it unchanged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"veriBatch/go/internal/metrics"
	"veriBatch/go/internal/provable"
	"veriBatch/go/internal/prover"
)

var (
	ErrVerification       = errors.New("ledger: certificate does not verify")
	ErrForeignCertificate = errors.New("ledger: certificate was not produced by the batch program")
	ErrNotDeployed        = errors.New("ledger: counter is not initialised")
)

// Store holds the counter. Update must run fn inside a transaction of the
// store itself so concurrent callers never both act on a stale read.
type Store interface {
	// Init creates the counter at zero when it does not exist yet.
	Init(ctx context.Context) error
	Load(ctx context.Context) (uint64, error)
	Update(ctx context.Context, fn func(current uint64) (uint64, error)) error
}

// ReceiptLog is implemented by stores that archive processed certificates.
type ReceiptLog interface {
	LogReceipt(ctx context.Context, r Receipt) error
}

// ReceiptSource lists archived receipts, newest first.
type ReceiptSource interface {
	RecentReceipts(ctx context.Context, limit int) ([]Receipt, error)
}

// Receipt describes one processed certificate. Stale receipts changed
// nothing.
type Receipt struct {
	Digest   common.Hash `json:"digest"`
	Output   uint64      `json:"output"`
	Previous uint64      `json:"previous"`
	Current  uint64      `json:"current"`
	Stale    bool        `json:"stale"`
}

type Options struct {
	// Program is the only program whose certificates are accepted.
	Program string
	// Branching uses an ordinary conditional for the max.
	Branching bool
}

type Contract struct {
	store    Store
	verifier prover.Verifier
	opts     Options
	log      log.Logger
}

func NewContract(store Store, verifier prover.Verifier, opts Options, logger log.Logger) (*Contract, error) {
	if store == nil || verifier == nil {
		return nil, fmt.Errorf("ledger: store and verifier are required")
	}
	if opts.Program == "" {
		return nil, fmt.Errorf("ledger: program name is required")
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Contract{
		store:    store,
		verifier: verifier,
		opts:     opts,
		log:      logger.New("module", "ledger"),
	}, nil
}

// Deploy initialises the counter to zero. Calling it again is harmless.
func (c *Contract) Deploy(ctx context.Context) error {
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("ledger: deploy: %w", err)
	}
	return nil
}

func (c *Contract) HighestMessageID(ctx context.Context) (uint64, error) {
	return c.store.Load(ctx)
}

// ProcessBatch verifies cert and raises the counter to its output if that is
// higher. Nothing is written when verification fails.
func (c *Contract) ProcessBatch(ctx context.Context, cert *prover.Certificate) (Receipt, error) {
	start := time.Now()
	rec, err := c.process(ctx, cert)
	metrics.ObserveBusiness("process_batch", start, err)
	switch {
	case err != nil:
		metrics.ObserveLedger("rejected", 0)
	case rec.Stale:
		metrics.ObserveLedger("stale", rec.Current)
	default:
		metrics.ObserveLedger("applied", rec.Current)
	}
	return rec, err
}

func (c *Contract) process(ctx context.Context, cert *prover.Certificate) (Receipt, error) {
	if err := c.verifier.Verify(ctx, cert); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		metrics.IncVerificationFailures("ledger")
		return Receipt{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if cert.Program != c.opts.Program {
		return Receipt{}, fmt.Errorf("%w: %s", ErrForeignCertificate, cert.Descriptor())
	}

	rec := Receipt{Digest: cert.Digest(), Output: cert.PublicOutput}
	err := c.store.Update(ctx, func(current uint64) (uint64, error) {
		rec.Previous = current
		rec.Current = c.max(current, cert.PublicOutput)
		return rec.Current, nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: update counter: %w", err)
	}
	rec.Stale = cert.PublicOutput <= rec.Previous

	if rec.Stale {
		c.log.Debug("Stale certificate", "output", rec.Output, "highest", rec.Current)
	} else {
		c.log.Info("Raised highest message id", "from", rec.Previous, "to", rec.Current)
	}
	if rl, ok := c.store.(ReceiptLog); ok {
		if err := rl.LogReceipt(ctx, rec); err != nil {
			// the counter is already committed
			c.log.Warn("Failed to archive receipt", "digest", rec.Digest, "err", err)
		}
	}
	return rec, nil
}

func (c *Contract) max(current, output uint64) uint64 {
	if c.opts.Branching {
		if output > current {
			return output
		}
		return current
	}
	return provable.If(provable.Gt(output, current), output, current)
}
