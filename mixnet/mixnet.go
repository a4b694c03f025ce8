// Package mixnet runs the verifiable re-encryption mix of the accepted
// ballots. Ballots are cut into batches, each batch goes through a cascade
// of shuffle stages and every stage is checked before the next one builds
// on it, so the output of the cascade cannot be linked back to the voters
// while it provably holds the same votes.
package mixnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/crypto/shuffle"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
)

var (
	// ErrShuffleProofInvalid is returned when the proof of a stage does not
	// verify.
	ErrShuffleProofInvalid = errors.New("shuffle proof invalid")
	// ErrElectionHalted is returned when the election was halted by an
	// integrity failure.
	ErrElectionHalted = errors.New("election halted")
)

// Status is the progress of the mix of an election.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
)

// DefaultMaxAttempts is the number of times a batch is rebuilt from its
// input after an invalid stage before the election is halted.
const DefaultMaxAttempts = 3

// Mixer shuffles and re-encrypts a list of ballots under pub and proves it,
// binding the proof to context.
type Mixer func(pub kyber.Point, in []elgamal.Ballot, context []byte) ([]elgamal.Ballot, []byte, error)

// StageError is an invalid stage of the cascade.
type StageError struct {
	Batch uint32
	Stage uint8
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: batch %d stage %d: %v", ErrShuffleProofInvalid, e.Batch, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return ErrShuffleProofInvalid
}

// Mixnet mixes the batches of the elections kept in the storage.
type Mixnet struct {
	stg         *storage.Storage
	mixers      []Mixer
	maxAttempts int
	cutMu       sync.Mutex
}

// New returns a mixnet whose stages all use the Neff sequence shuffle.
func New(stg *storage.Storage) *Mixnet {
	return &Mixnet{
		stg:         stg,
		mixers:      []Mixer{shuffle.Shuffle},
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetMixers sets the mixers of the cascade. Stage i is run by mixer
// i mod len(mixers).
func (m *Mixnet) SetMixers(mixers ...Mixer) {
	if len(mixers) > 0 {
		m.mixers = mixers
	}
}

// SetMaxAttempts changes the number of attempts per batch.
func (m *Mixnet) SetMaxAttempts(n int) {
	if n > 0 {
		m.maxAttempts = n
	}
}

// Process cuts the final batch of a closed election and mixes every pending
// batch. It returns StatusPending while the election is not closed or other
// workers still hold some batch, and StatusCompleted once every batch is
// mixed. Running it again after completion does nothing.
func (m *Mixnet) Process(ctx context.Context, electionID []byte) (Status, error) {
	e, err := m.stg.Election(electionID)
	if err != nil {
		return "", err
	}
	switch e.Status {
	case types.ElectionStatusHalted:
		return "", ErrElectionHalted
	case types.ElectionStatusTallied, types.ElectionStatusArchived:
		return StatusCompleted, nil
	case types.ElectionStatusClosed:
	default:
		return StatusPending, nil
	}
	pub, err := crypto.PointFromBytes(e.PublicKey)
	if err != nil {
		return "", fmt.Errorf("election public key: %w", err)
	}
	if _, err := m.CutBatches(electionID, true); err != nil {
		return "", fmt.Errorf("cut final batch: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b, err := m.stg.NextMixBatch(electionID)
		if errors.Is(err, storage.ErrNoMoreElements) {
			break
		}
		if err != nil {
			return "", err
		}
		if err := m.processBatch(ctx, e, pub, b); err != nil {
			return "", err
		}
	}
	return m.status(electionID)
}

func (m *Mixnet) status(electionID []byte) (Status, error) {
	batches, err := m.stg.MixBatches(electionID)
	if err != nil {
		return "", err
	}
	if len(batches) == 0 || !batches[len(batches)-1].Final {
		return StatusPending, nil
	}
	for _, b := range batches {
		switch b.Status {
		case storage.MixBatchFailed:
			return "", fmt.Errorf("%w: batch %d failed", ErrElectionHalted, b.Index)
		case storage.MixBatchPending:
			return StatusPending, nil
		}
	}
	return StatusCompleted, nil
}

// processBatch runs the cascade over a reserved batch. An accepted ballot
// that no longer verifies halts the election. An invalid stage discards
// every stage output and the cascade is rebuilt from the accepted ballots;
// after maxAttempts failures the election is halted.
func (m *Mixnet) processBatch(ctx context.Context, e *types.Election, pub kyber.Point, b *storage.MixBatch) error {
	if b.Size() == 0 {
		b.Status = storage.MixBatchMixed
		return m.stg.MarkMixBatchDone(b)
	}
	release := func() {
		if err := m.stg.ReleaseMixBatch(e.ID, b.Index); err != nil {
			log.Warnw("cannot release mix batch", "batch", b.Index, "error", err.Error())
		}
	}
	ballots, err := m.stg.BallotsRange(e.ID, b.FirstSeq, b.LastSeq)
	if err != nil {
		release()
		return err
	}
	input := ciphertexts(ballots)
	if len(ballots) != b.Size() || !bytes.Equal(BallotsDigest(input), b.InputDigest) {
		b.Status = storage.MixBatchFailed
		if err := m.stg.MarkMixBatchDone(b); err != nil {
			log.Warnw("cannot store failed batch", "batch", b.Index, "error", err.Error())
		}
		return m.halt(e.ID, types.AuditShuffleProofInvalid, b.Index, 0, &StageError{Batch: b.Index, Err: fmt.Errorf("accepted ballots do not match the batch digest")})
	}
	// the accepted ballots are checked again before anything is mixed
	if err := verifyBallots(ctx, e, pub, ballots); err != nil {
		if ctx.Err() != nil {
			release()
			return err
		}
		b.Status = storage.MixBatchFailed
		if err := m.stg.MarkMixBatchDone(b); err != nil {
			log.Warnw("cannot store failed batch", "batch", b.Index, "error", err.Error())
		}
		return m.halt(e.ID, types.AuditBallotInvalid, b.Index, 0, fmt.Errorf("batch %d: %w", b.Index, err))
	}

	start := time.Now()
	for {
		stages, err := m.cascade(ctx, e, pub, b, input)
		if err == nil {
			b.Status = storage.MixBatchMixed
			if err := m.stg.SetShuffledBatches(b, stages); err != nil {
				release()
				return fmt.Errorf("store batch %d: %w", b.Index, err)
			}
			release()
			log.Infow("mix batch shuffled",
				"electionID", e.ID.String(),
				"batch", b.Index,
				"ballots", b.Size(),
				"stages", len(stages),
				"attempts", b.Attempts+1,
				"took", time.Since(start).String())
			return nil
		}
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			release()
			return err
		}
		b.Attempts++
		log.Warnw("discarding invalid mix",
			"electionID", e.ID.String(),
			"batch", b.Index,
			"stage", stageErr.Stage,
			"attempt", b.Attempts,
			"error", stageErr.Err.Error())
		if b.Attempts >= m.maxAttempts {
			b.Status = storage.MixBatchFailed
			if err := m.stg.MarkMixBatchDone(b); err != nil {
				log.Warnw("cannot store failed batch", "batch", b.Index, "error", err.Error())
			}
			return m.halt(e.ID, types.AuditShuffleProofInvalid, stageErr.Batch, stageErr.Stage, stageErr)
		}
	}
}

// cascade runs every stage over the input and returns the stage outputs.
// Nothing is stored here.
func (m *Mixnet) cascade(ctx context.Context, e *types.Election, pub kyber.Point, b *storage.MixBatch, input []elgamal.Ballot) ([]*storage.ShuffledBatch, error) {
	var padding []elgamal.Ballot
	for len(input)+len(padding) < types.MinMixBatchSize {
		padding = append(padding, PaddingBallot(pub, len(e.Candidates)))
	}
	in := append(slices.Clone(input), padding...)
	n := Stages(e)
	stages := make([]*storage.ShuffledBatch, 0, n)
	for s := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stage := uint8(s)
		digest := BallotsDigest(in)
		stageCtx := StageContext(e.ID, b.Index, stage, digest)
		out, prf, err := m.mixers[s%len(m.mixers)](pub, in, stageCtx)
		if err != nil {
			return nil, fmt.Errorf("batch %d stage %d: %w", b.Index, stage, err)
		}
		// every output is checked before anything builds on it
		if err := shuffle.Verify(pub, in, out, stageCtx, prf); err != nil {
			return nil, &StageError{Batch: b.Index, Stage: stage, Err: err}
		}
		sb := &storage.ShuffledBatch{
			ElectionID:  e.ID,
			BatchIndex:  b.Index,
			Stage:       stage,
			InputDigest: digest,
			Ballots:     out,
			Context:     stageCtx,
			Proof:       prf,
			Padding:     len(padding),
			BallotCount: len(input),
			CreatedAt:   time.Now(),
		}
		if s == 0 {
			sb.PaddingBallots = padding
		}
		stages = append(stages, sb)
		in = out
	}
	return stages, nil
}

func (m *Mixnet) halt(electionID types.HexBytes, kind types.AuditKind, batch uint32, stage uint8, cause error) error {
	err := m.stg.HaltElection(&types.AuditRecord{
		ElectionID: electionID,
		Kind:       kind,
		Details:    cause.Error(),
		BatchIndex: int(batch),
		Stage:      int(stage),
	})
	log.Errorw(cause, "election halted by the mixnet", "electionID", electionID.String())
	if err != nil {
		log.Warnw("cannot halt election", "electionID", electionID.String(), "error", err.Error())
	}
	return fmt.Errorf("%w: %w", ErrElectionHalted, cause)
}

// FinalOutputs returns the output of the last stage of every batch of an
// election, in batch order. Empty batches have no output.
func (m *Mixnet) FinalOutputs(electionID []byte) ([]*storage.ShuffledBatch, error) {
	e, err := m.stg.Election(electionID)
	if err != nil {
		return nil, err
	}
	batches, err := m.stg.MixBatches(electionID)
	if err != nil {
		return nil, err
	}
	last := uint8(Stages(e) - 1)
	var out []*storage.ShuffledBatch
	for _, b := range batches {
		if b.Status != storage.MixBatchMixed {
			return nil, fmt.Errorf("batch %d is not mixed", b.Index)
		}
		if b.Size() == 0 {
			continue
		}
		sb, err := m.stg.ShuffledBatch(electionID, b.Index, last)
		if err != nil {
			return nil, fmt.Errorf("batch %d stage %d: %w", b.Index, last, err)
		}
		out = append(out, sb)
	}
	return out, nil
}
