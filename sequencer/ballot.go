package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
)

// ErrElectionNotActive is returned for ballots cast outside the voting
// window of the election.
var ErrElectionNotActive = errors.New("election is not accepting ballots")

// SubmitBallot encrypts and proves the selection of an authenticated voter,
// verifies the result and consumes its nullifier. The returned receipt is
// the only thing the voter keeps.
func (s *Sequencer) SubmitBallot(ctx context.Context, eid []byte, voter common.Address, candidateIndex int) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.stg.Election(eid)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !e.AcceptsBallots(now) {
		return nil, fmt.Errorf("%w: status %s", ErrElectionNotActive, e.Status)
	}
	if _, err := s.Eligibility(e, voter); err != nil {
		return nil, err
	}
	pub, err := crypto.PointFromBytes(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("election public key: %w", err)
	}
	pepper, err := s.stg.Pepper(eid)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.VoterSecret(pepper, eid, voter.Bytes())
	if err != nil {
		return nil, err
	}
	enc, err := ballot.Encrypt(pub, len(e.Candidates), candidateIndex, secret, eid)
	if err != nil {
		return nil, err
	}
	if err := ballot.Verify(pub, eid, len(e.Candidates), enc); err != nil {
		return nil, err
	}
	receipt := receipts.IssueReceipt(eid, enc.Commitment, enc.Nullifier)
	seq, err := s.registry.TryConsume(&storage.Ballot{
		ElectionID:  eid,
		Ciphertexts: enc.Ciphertexts,
		Proof:       enc.Proof,
		Nullifier:   enc.Nullifier,
		Commitment:  enc.Commitment,
		ReceivedAt:  now,
	}, receipt)
	if errors.Is(err, storage.ErrElectionFrozen) {
		return nil, fmt.Errorf("%w: %v", ErrElectionNotActive, err)
	}
	if err != nil {
		return nil, err
	}
	s.AddElectionID(eid)
	log.Debugw("ballot accepted",
		"electionID", e.ID.String(),
		"seq", seq,
		"duration", time.Since(now).String())
	return receipt, nil
}
