// Package prover is the boundary to the proof backend. The rest of the module
// only asks it to produce a certificate for a computation and to verify one;
// it never looks inside a proof.
package prover

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	ErrInvalidProof   = errors.New("prover: certificate does not verify")
	ErrNilCertificate = errors.New("prover: nil certificate")
)

// statementTag separates certificate digests from any other keccak input.
const statementTag = "veriBatch/certificate/v1"

// Descriptor names the computation a certificate attests to.
type Descriptor struct {
	Program string
	Method  string
}

func (d Descriptor) String() string { return d.Program + "." + d.Method }

// Certificate binds a public input and output to the computation that
// produced them. Proof is opaque to everything outside the backend.
type Certificate struct {
	Program      string        `json:"program"`
	Method       string        `json:"method"`
	PublicInput  uint64        `json:"public_input"`
	PublicOutput uint64        `json:"public_output"`
	Proof        hexutil.Bytes `json:"proof"`
}

func (c *Certificate) Descriptor() Descriptor {
	return Descriptor{Program: c.Program, Method: c.Method}
}

type statement struct {
	Tag          string
	Program      string
	Method       string
	PublicInput  uint64
	PublicOutput uint64
}

// Digest commits to everything but the proof.
func (c *Certificate) Digest() common.Hash {
	enc, err := rlp.EncodeToBytes(&statement{
		Tag:          statementTag,
		Program:      c.Program,
		Method:       c.Method,
		PublicInput:  c.PublicInput,
		PublicOutput: c.PublicOutput,
	})
	if err != nil {
		// strings and integers always encode
		panic(fmt.Sprintf("prover: encode statement: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Copy returns a deep copy.
func (c *Certificate) Copy() *Certificate {
	cp := *c
	cp.Proof = common.CopyBytes(c.Proof)
	return &cp
}

func EncodeCertificate(c *Certificate) ([]byte, error) {
	if c == nil {
		return nil, ErrNilCertificate
	}
	return rlp.EncodeToBytes(c)
}

func DecodeCertificate(b []byte) (*Certificate, error) {
	var c Certificate
	if err := rlp.DecodeBytes(b, &c); err != nil {
		return nil, fmt.Errorf("prover: decode certificate: %w", err)
	}
	return &c, nil
}
