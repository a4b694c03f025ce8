package mixnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vottery/vottery-backend/ballot"
	suite "github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
)

// CheckpointSize returns the size of the intermediate batches of an
// election.
func CheckpointSize(e *types.Election) int {
	if e.CheckpointSize < types.MinMixBatchSize {
		return types.DefaultCheckpointSize
	}
	return e.CheckpointSize
}

// Stages returns the number of mix stages of an election.
func Stages(e *types.Election) int {
	if e.MixStages < 1 {
		return types.DefaultMixStages
	}
	return e.MixStages
}

// BallotsDigest hashes a list of ballots in order.
func BallotsDigest(ballots []elgamal.Ballot) []byte {
	data := make([][]byte, 0, len(ballots)+1)
	data = append(data, binary.BigEndian.AppendUint64(nil, uint64(len(ballots))))
	for _, b := range ballots {
		data = append(data, b.Serialize())
	}
	return crypto.Keccak256(data...)
}

// StageContext is the context bound into the shuffle proof of a stage: the
// election, the batch, the stage and the digest of the stage input.
func StageContext(electionID []byte, batch uint32, stage uint8, inputDigest []byte) []byte {
	ctx := make([]byte, 0, len(electionID)+5+len(inputDigest))
	ctx = append(ctx, electionID...)
	ctx = binary.BigEndian.AppendUint32(ctx, batch)
	ctx = append(ctx, stage)
	return append(ctx, inputDigest...)
}

// verifyBallots checks the proof and the commitment of every ballot of a
// batch in parallel.
func verifyBallots(ctx context.Context, e *types.Election, pub kyber.Point, ballots []*storage.Ballot) error {
	enc := make([]*ballot.Encrypted, len(ballots))
	for i, b := range ballots {
		enc[i] = &ballot.Encrypted{
			Ciphertexts: b.Ciphertexts,
			Proof:       b.Proof,
			Nullifier:   b.Nullifier,
			Commitment:  b.Commitment,
		}
	}
	results, err := ballot.VerifyBatch(ctx, pub, e.ID, len(e.Candidates), enc)
	if err != nil {
		return err
	}
	for i, err := range results {
		if err != nil {
			return fmt.Errorf("ballot %d: %w", ballots[i].Seq, err)
		}
	}
	return nil
}

func ciphertexts(ballots []*storage.Ballot) []elgamal.Ballot {
	out := make([]elgamal.Ballot, len(ballots))
	for i, b := range ballots {
		out[i] = b.Ciphertexts
	}
	return out
}

// CutBatches closes the batches of accepted ballots that are ready to be
// mixed. While voting goes on only full checkpoint batches are cut. With
// final set, once the election is frozen, the remaining ballots are cut into
// the final batch, which may be empty. It returns the number of new batches.
func (m *Mixnet) CutBatches(electionID []byte, final bool) (int, error) {
	e, err := m.stg.Election(electionID)
	if err != nil {
		return 0, err
	}
	if final && !e.Status.Frozen() {
		return 0, fmt.Errorf("final batch of a %s election", e.Status)
	}
	m.cutMu.Lock()
	defer m.cutMu.Unlock()
	batches, err := m.stg.MixBatches(electionID)
	if err != nil {
		return 0, err
	}
	var next uint32
	var from uint64
	if len(batches) > 0 {
		last := batches[len(batches)-1]
		if last.Final {
			return 0, nil
		}
		next, from = last.Index+1, last.LastSeq
	}
	total, err := m.stg.BallotCount(electionID)
	if err != nil {
		return 0, err
	}
	size := uint64(CheckpointSize(e))
	cut := 0
	for total-from >= size || final {
		to := min(from+size, total)
		isFinal := final && to == total
		ballots, err := m.stg.BallotsRange(electionID, from, to)
		if err != nil {
			return cut, err
		}
		if uint64(len(ballots)) != to-from {
			return cut, fmt.Errorf("found %d ballots in [%d,%d)", len(ballots), from, to)
		}
		b := &storage.MixBatch{
			ElectionID:  electionID,
			Index:       next,
			FirstSeq:    from,
			LastSeq:     to,
			InputDigest: BallotsDigest(ciphertexts(ballots)),
			Status:      storage.MixBatchPending,
			Final:       isFinal,
			CutAt:       time.Now(),
		}
		if err := m.stg.PushMixBatch(b); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// another worker cut the final batch
				return cut, nil
			}
			return cut, fmt.Errorf("push batch %d: %w", next, err)
		}
		log.Debugw("mix batch cut",
			"electionID", fmt.Sprintf("%x", electionID),
			"batch", next,
			"ballots", b.Size(),
			"final", isFinal)
		cut++
		next, from = next+1, to
		if isFinal {
			break
		}
	}
	return cut, nil
}

// PaddingBallot returns the ballot used to pad small batches: every field
// encrypts 0 with randomness 1, so anyone can check it adds nothing to the
// counts. Stage 0 re-encrypts it like every other ballot.
func PaddingBallot(pub kyber.Point, fields int) elgamal.Ballot {
	b := make(elgamal.Ballot, fields)
	for j := range b {
		b[j] = &elgamal.Ciphertext{C1: suite.Suite.Point().Base(), C2: pub.Clone()}
	}
	return b
}

func isPadding(pub kyber.Point, b elgamal.Ballot, fields int) bool {
	if len(b) != fields {
		return false
	}
	want := PaddingBallot(pub, fields)
	for j := range b {
		if b[j] == nil || !b[j].Equal(want[j]) {
			return false
		}
	}
	return true
}
