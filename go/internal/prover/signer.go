package prover

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Authority verifies certificates signed by one trusted prover key. Only the
// prover's address is needed, so ledger-side deployments carry no secret.
type Authority struct {
	address common.Address
	cache   *lru.Cache[common.Hash, struct{}]
	log     log.Logger
}

// NewAuthority builds a verifier for address. cacheSize 0 disables the
// verification cache.
func NewAuthority(address common.Address, cacheSize int, logger log.Logger) (*Authority, error) {
	if logger == nil {
		logger = log.Root()
	}
	a := &Authority{
		address: address,
		log:     logger.New("module", "prover", "authority", address.Hex()),
	}
	if cacheSize > 0 {
		cache, err := lru.New[common.Hash, struct{}](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("prover: verification cache: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

func (a *Authority) Address() common.Address { return a.address }

// Verify recovers the signer of the certificate digest and compares it with
// the authority address. Only successful checks are cached.
func (a *Authority) Verify(ctx context.Context, cert *Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	digest := cert.Digest()
	key := crypto.Keccak256Hash(digest[:], cert.Proof)
	if a.cache != nil {
		if _, ok := a.cache.Get(key); ok {
			return nil
		}
	}
	if len(cert.Proof) != crypto.SignatureLength {
		return fmt.Errorf("%w: proof is %d bytes", ErrInvalidProof, len(cert.Proof))
	}
	pub, err := crypto.SigToPub(digest[:], cert.Proof)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != a.address {
		a.log.Debug("Certificate signed by unknown key", "signer", signer, "digest", digest)
		return fmt.Errorf("%w: signed by %s", ErrInvalidProof, signer.Hex())
	}
	if a.cache != nil {
		a.cache.Add(key, struct{}{})
	}
	return nil
}

// Signer is a trusted prover: it runs the method itself and signs the
// resulting statement.
type Signer struct {
	*Authority
	key *ecdsa.PrivateKey
}

func NewSigner(key *ecdsa.PrivateKey, cacheSize int, logger log.Logger) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("prover: signer key is required")
	}
	auth, err := NewAuthority(crypto.PubkeyToAddress(key.PublicKey), cacheSize, logger)
	if err != nil {
		return nil, err
	}
	return &Signer{Authority: auth, key: key}, nil
}

func (s *Signer) Produce(ctx context.Context, desc Descriptor, publicInput uint64, method Method) (*Certificate, error) {
	out, err := execute(ctx, s.Authority, method)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{
		Program:      desc.Program,
		Method:       desc.Method,
		PublicInput:  publicInput,
		PublicOutput: out,
	}
	digest := cert.Digest()
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("prover: sign %s: %w", desc, err)
	}
	cert.Proof = sig
	s.log.Trace("Produced certificate", "method", desc, "input", publicInput, "output", out)
	return cert, nil
}

// LoadKey parses a hex-encoded secp256k1 private key.
func LoadKey(hexkey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, fmt.Errorf("prover: load key: %w", err)
	}
	return key, nil
}

func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}
