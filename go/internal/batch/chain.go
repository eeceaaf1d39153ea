package batch

import (
	"context"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/prover"
)

// Chain threads certificates through consecutive steps. Each step needs the
// previous certificate, so a Chain is strictly sequential and not safe for
// concurrent use; independent chains share nothing.
type Chain struct {
	program *Program
	tip     *prover.Certificate
	steps   int
}

// NewChain starts a chain at a fresh genesis certificate.
func (p *Program) NewChain(ctx context.Context) (*Chain, error) {
	g, err := p.Genesis(ctx)
	if err != nil {
		return nil, err
	}
	return &Chain{program: p, tip: g}, nil
}

// Resume continues from a previously produced tip. The tip is checked by the
// next Append, not here.
func (p *Program) Resume(tip *prover.Certificate, steps int) *Chain {
	return &Chain{program: p, tip: tip, steps: steps}
}

// Append folds one submission. On error the tip stays at the last good
// certificate.
func (c *Chain) Append(ctx context.Context, sub message.Submission) error {
	next, err := c.program.Step(ctx, sub.MessageID, sub.Message, c.tip)
	if err != nil {
		return err
	}
	c.tip = next
	c.steps++
	return nil
}

func (c *Chain) Tip() *prover.Certificate { return c.tip }

// Len is the number of messages folded since genesis.
func (c *Chain) Len() int { return c.steps }

func (c *Chain) Output() uint64 { return c.tip.PublicOutput }

// Run folds subs into a new chain and returns its final certificate.
func (p *Program) Run(ctx context.Context, subs []message.Submission) (*prover.Certificate, error) {
	c, err := p.NewChain(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if err := c.Append(ctx, sub); err != nil {
			return nil, err
		}
	}
	return c.Tip(), nil
}
