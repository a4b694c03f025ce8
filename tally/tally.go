// Package tally computes the result of an election from the mixed ballots
// without opening any of them: ciphertexts are added per candidate and only
// the aggregates are decrypted, by a threshold of trustees.
package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/nullifier"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
)

var (
	// ErrAggregationMismatch is returned when the number of mixed ballots
	// does not match the number of consumed nullifiers.
	ErrAggregationMismatch = errors.New("aggregation mismatch")
	// ErrNotClosed is returned when the election still accepts ballots.
	ErrNotClosed = errors.New("election is not closed")
	// ErrMixPending is returned while some batch is still being mixed.
	ErrMixPending = errors.New("mix not completed")
	// ErrElectionHalted is returned for elections halted by an integrity
	// failure.
	ErrElectionHalted = mixnet.ErrElectionHalted
)

// Decrypter runs threshold decryptions.
type Decrypter interface {
	ThresholdDecrypt(ctx context.Context, electionID []byte, cts []*elgamal.Ciphertext, proofContext []byte) (*keyauthority.Decryption, error)
}

// Engine is the homomorphic tally engine.
type Engine struct {
	stg       *storage.Storage
	trees     *merkletree.TreeDB
	mix       *mixnet.Mixnet
	registry  *nullifier.Registry
	decrypter Decrypter
}

// New returns a tally engine.
func New(stg *storage.Storage, trees *merkletree.TreeDB, mix *mixnet.Mixnet, decrypter Decrypter) *Engine {
	return &Engine{
		stg:       stg,
		trees:     trees,
		mix:       mix,
		registry:  nullifier.New(stg),
		decrypter: decrypter,
	}
}

// ProofContext is the context bound into the partial decryption proofs of
// the tally of an election.
func ProofContext(electionID []byte) []byte {
	return append([]byte("vottery/tally/"), electionID...)
}

// Result returns the stored tally of an election.
func (t *Engine) Result(electionID []byte) (*types.TallyResult, error) {
	return t.stg.Tally(electionID)
}

// Tally computes and stores the result of a closed election. It completes
// the mix first if needed. When the election is already tallied the stored
// result is returned.
func (t *Engine) Tally(ctx context.Context, electionID []byte) (*types.TallyResult, error) {
	if r, err := t.stg.Tally(electionID); err == nil {
		return r, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	e, err := t.stg.Election(electionID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case types.ElectionStatusHalted:
		return nil, ErrElectionHalted
	case types.ElectionStatusClosed:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotClosed, e.Status)
	}
	status, err := t.mix.Process(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if status != mixnet.StatusCompleted {
		return nil, ErrMixPending
	}
	start := time.Now()

	outputs, err := t.mix.FinalOutputs(electionID)
	if err != nil {
		return nil, err
	}
	consumed, err := t.registry.Count(electionID)
	if err != nil {
		return nil, err
	}
	accepted, err := t.stg.BallotCount(electionID)
	if err != nil {
		return nil, err
	}
	fields := len(e.Candidates)
	var before, after uint64
	aggregate := make([]*elgamal.Ciphertext, fields)
	for j := range aggregate {
		aggregate[j] = &elgamal.Ciphertext{C1: crypto.Suite.Point().Null(), C2: crypto.Suite.Point().Null()}
	}
	for _, sb := range outputs {
		before += uint64(sb.BallotCount)
		after += uint64(len(sb.Ballots) - sb.Padding)
		for i, b := range sb.Ballots {
			if len(b) != fields {
				return nil, t.halt(e.ID, types.AuditAggregationMismatch, int(sb.BatchIndex),
					fmt.Errorf("%w: ballot %d of batch %d has %d fields", ErrAggregationMismatch, i, sb.BatchIndex, len(b)))
			}
			// padding ballots encrypt zero and add nothing
			for j, ct := range b {
				aggregate[j].Add(aggregate[j], ct)
			}
		}
	}
	if before != consumed || after != consumed || accepted != consumed {
		return nil, t.halt(e.ID, types.AuditAggregationMismatch, -1,
			fmt.Errorf("%w: %d nullifiers, %d accepted, %d mixed in, %d mixed out",
				ErrAggregationMismatch, consumed, accepted, before, after))
	}

	root, err := t.commitmentRoot(e.ID, accepted)
	if err != nil {
		if errors.Is(err, ErrAggregationMismatch) {
			return nil, t.halt(e.ID, types.AuditAggregationMismatch, -1, err)
		}
		return nil, err
	}

	result := &types.TallyResult{
		ElectionID:     e.ID,
		TotalVotes:     consumed,
		CommitmentRoot: root,
		Aggregate:      make([]types.HexBytes, fields),
		TalliedAt:      time.Now(),
	}
	plaintexts := make([]kyber.Point, fields)
	if consumed == 0 {
		for j := range plaintexts {
			plaintexts[j] = crypto.Suite.Point().Null()
		}
	} else {
		dec, err := t.decrypter.ThresholdDecrypt(ctx, electionID, aggregate, ProofContext(electionID))
		if err != nil {
			// not enough trustees now, the tally can be retried later
			return nil, fmt.Errorf("decrypt aggregate: %w", err)
		}
		plaintexts = dec.Plaintexts
		result.Trustees = dec.Trustees()
	}
	for j, m := range plaintexts {
		votes, err := elgamal.BabyStepGiantStep(m, consumed)
		if err != nil {
			return nil, t.halt(e.ID, types.AuditDecryptionFailed, -1,
				fmt.Errorf("candidate %s: %w", e.Candidates[j].ID, err))
		}
		result.CandidateResults = append(result.CandidateResults, types.CandidateResult{
			CandidateID: e.Candidates[j].ID,
			Votes:       votes,
		})
		result.ValidVotes += votes
		result.Aggregate[j] = aggregate[j].Serialize()
	}
	if result.ValidVotes > result.TotalVotes {
		return nil, t.halt(e.ID, types.AuditAggregationMismatch, -1,
			fmt.Errorf("%w: %d valid votes of %d ballots", ErrAggregationMismatch, result.ValidVotes, result.TotalVotes))
	}
	result.InvalidVotes = result.TotalVotes - result.ValidVotes

	if err := t.stg.SetTally(result); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return t.stg.Tally(electionID)
		}
		return nil, fmt.Errorf("store tally: %w", err)
	}
	if _, err := t.stg.SetElectionStatus(electionID, types.ElectionStatusTallied); err != nil {
		return nil, fmt.Errorf("set tallied: %w", err)
	}
	log.Infow("election tallied",
		"electionID", e.ID.String(),
		"totalVotes", result.TotalVotes,
		"validVotes", result.ValidVotes,
		"trustees", result.Trustees,
		"took", time.Since(start).String())
	return result, nil
}

// commitmentRoot builds the commitment tree of the accepted ballots and
// returns its root. The tree is rebuilt idempotently if a previous tally
// was interrupted.
func (t *Engine) commitmentRoot(electionID []byte, accepted uint64) ([]byte, error) {
	ballots, err := t.stg.BallotsRange(electionID, 0, accepted)
	if err != nil {
		return nil, err
	}
	tree, err := t.trees.LoadOrNew(merkletree.ElectionTreeID(electionID, merkletree.KindCommitments))
	if err != nil {
		return nil, fmt.Errorf("commitment tree: %w", err)
	}
	keys := make([][]byte, 0, len(ballots))
	values := make([][]byte, 0, len(ballots))
	for _, b := range ballots {
		keys = append(keys, merkletree.LeafKey(b.Commitment))
		values = append(values, b.Commitment)
	}
	if len(keys) > 0 {
		if _, err := tree.InsertBatch(keys, values); err != nil {
			return nil, fmt.Errorf("commitment tree: %w", err)
		}
	}
	if size := tree.Size(); uint64(size) != accepted {
		return nil, fmt.Errorf("%w: commitment tree has %d leaves, %d ballots", ErrAggregationMismatch, size, accepted)
	}
	return tree.Root(), nil
}

func (t *Engine) halt(electionID types.HexBytes, kind types.AuditKind, batch int, cause error) error {
	if err := t.stg.HaltElection(&types.AuditRecord{
		ElectionID: electionID,
		Kind:       kind,
		Details:    cause.Error(),
		BatchIndex: batch,
	}); err != nil {
		log.Warnw("cannot halt election", "electionID", electionID.String(), "error", err.Error())
	}
	log.Errorw(cause, "election halted by the tally", "electionID", electionID.String())
	return fmt.Errorf("%w: %w", ErrElectionHalted, cause)
}
