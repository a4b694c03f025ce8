// Package ballot encrypts one-hot ballots under the election key and proves
// they are well formed, and verifies such ballots, one by one or in
// parallel batches.
package ballot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/ballotproof"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidSelection is returned when the candidate index is out of range.
	ErrInvalidSelection = errors.New("invalid candidate selection")
	// ErrProofConstructionFailed is returned on internal errors of the prover.
	ErrProofConstructionFailed = errors.New("ballot proof construction failed")
	// ErrInvalidProof is returned when a ballot does not verify.
	ErrInvalidProof = errors.New("invalid ballot")
)

// Encrypted is an encrypted ballot with everything needed to verify it
// without learning the selection.
type Encrypted struct {
	Ciphertexts elgamal.Ballot
	Proof       types.HexBytes
	Nullifier   types.HexBytes
	Commitment  types.HexBytes
}

// Commitment returns MiMC(electionID || nullifier || ciphertexts).
func Commitment(electionID, nullifier []byte, cts elgamal.Ballot) ([]byte, error) {
	return crypto.Commitment(electionID, nullifier, cts.Serialize())
}

// Encrypt builds the ballot of a voter choosing candidateIndex among
// candidates options: the per candidate ciphertexts of the one-hot vector,
// the proof that they encrypt a one-hot vector, the nullifier derived from
// the voter secret and the commitment that binds them together.
func Encrypt(pub kyber.Point, candidates, candidateIndex int, voterSecret *big.Int, electionID []byte) (*Encrypted, error) {
	if candidates < types.MinCandidates || candidates > types.MaxCandidates {
		return nil, fmt.Errorf("%w: %d candidates", ErrInvalidSelection, candidates)
	}
	if candidateIndex < 0 || candidateIndex >= candidates {
		return nil, fmt.Errorf("%w: index %d of %d candidates", ErrInvalidSelection, candidateIndex, candidates)
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: missing election public key", ErrProofConstructionFailed)
	}
	nullifier, err := crypto.Nullifier(voterSecret, electionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofConstructionFailed, err)
	}
	msg := make([]uint64, candidates)
	msg[candidateIndex] = 1
	cts := elgamal.NewBallot(candidates)
	ks, err := cts.Encrypt(msg, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofConstructionFailed, err)
	}
	prf, err := ballotproof.Prove(pub, cts, ks, candidateIndex, ballotproof.Context(electionID, nullifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofConstructionFailed, err)
	}
	commitment, err := Commitment(electionID, nullifier, cts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofConstructionFailed, err)
	}
	return &Encrypted{
		Ciphertexts: cts,
		Proof:       prf,
		Nullifier:   nullifier,
		Commitment:  commitment,
	}, nil
}

// Verify checks the proof and the commitment of a ballot for an election
// with the given number of candidates.
func Verify(pub kyber.Point, electionID []byte, candidates int, b *Encrypted) error {
	if b == nil {
		return fmt.Errorf("%w: nil ballot", ErrInvalidProof)
	}
	if len(b.Ciphertexts) != candidates {
		return fmt.Errorf("%w: %d ciphertexts for %d candidates", ErrInvalidProof, len(b.Ciphertexts), candidates)
	}
	if len(b.Nullifier) == 0 {
		return fmt.Errorf("%w: missing nullifier", ErrInvalidProof)
	}
	if err := ballotproof.Verify(pub, b.Ciphertexts, ballotproof.Context(electionID, b.Nullifier), b.Proof); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	commitment, err := Commitment(electionID, b.Nullifier, b.Ciphertexts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !bytes.Equal(commitment, b.Commitment) {
		return fmt.Errorf("%w: commitment mismatch", ErrInvalidProof)
	}
	return nil
}

// VerifyBatch verifies many ballots in parallel and returns one error slot
// per ballot, nil for the valid ones. The returned error is only set when
// the context is canceled.
func VerifyBatch(ctx context.Context, pub kyber.Point, electionID []byte, candidates int, ballots []*Encrypted) ([]error, error) {
	results := make([]error, len(ballots))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, b := range ballots {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Verify(pub, electionID, candidates, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
