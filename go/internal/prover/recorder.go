package prover

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Recorder is the proofs-disabled backend. Each proof is a random nonce that
// only this recorder remembers issuing, so certificates verify only within
// the process that produced them.
type Recorder struct {
	mu     sync.RWMutex
	issued map[common.Hash]struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{issued: make(map[common.Hash]struct{})}
}

func (r *Recorder) Produce(ctx context.Context, desc Descriptor, publicInput uint64, method Method) (*Certificate, error) {
	out, err := execute(ctx, r, method)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("prover: nonce: %w", err)
	}
	cert := &Certificate{
		Program:      desc.Program,
		Method:       desc.Method,
		PublicInput:  publicInput,
		PublicOutput: out,
		Proof:        nonce,
	}
	digest := cert.Digest()
	r.mu.Lock()
	r.issued[crypto.Keccak256Hash(digest[:], nonce)] = struct{}{}
	r.mu.Unlock()
	return cert, nil
}

func (r *Recorder) Verify(ctx context.Context, cert *Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	digest := cert.Digest()
	r.mu.RLock()
	_, ok := r.issued[crypto.Keccak256Hash(digest[:], cert.Proof)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: not issued by this recorder", ErrInvalidProof)
	}
	return nil
}
