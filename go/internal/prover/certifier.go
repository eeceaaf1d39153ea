package prover

import "context"

// Verifier checks a certificate. It is read-only and safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, cert *Certificate) error
}

// Method is the computation being certified. It runs inside the backend and
// must check any prior certificate it builds on through v; returning an error
// means no certificate is produced.
type Method func(ctx context.Context, v Verifier) (uint64, error)

// Certifier produces and verifies certificates.
type Certifier interface {
	Verifier
	Produce(ctx context.Context, desc Descriptor, publicInput uint64, method Method) (*Certificate, error)
}

// execute runs a method. A context cancelled at any point discards the
// result.
func execute(ctx context.Context, v Verifier, method Method) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	out, err := method(ctx, v)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return out, nil
}
