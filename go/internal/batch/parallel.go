package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/prover"
)

// BuildChains runs one independent chain per batch concurrently, at most
// limit at a time (0 means unbounded). The first failure cancels the rest.
func (p *Program) BuildChains(ctx context.Context, batches [][]message.Submission, limit int) ([]*prover.Certificate, error) {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	out := make([]*prover.Certificate, len(batches))
	for i, subs := range batches {
		g.Go(func() error {
			cert, err := p.Run(ctx, subs)
			if err != nil {
				return fmt.Errorf("chain %d: %w", i, err)
			}
			out[i] = cert
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyAll checks independent certificates in parallel.
func VerifyAll(ctx context.Context, v prover.Verifier, certs []*prover.Certificate) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, cert := range certs {
		g.Go(func() error {
			if err := v.Verify(ctx, cert); err != nil {
				return fmt.Errorf("certificate %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
