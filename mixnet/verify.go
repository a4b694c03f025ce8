package mixnet

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/shuffle"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
)

// Verify checks the whole stored mix of an election from the accepted
// ballots: batch digests, stage contexts and every shuffle proof. Anyone
// holding the stored artifacts can run the same checks.
func (m *Mixnet) Verify(ctx context.Context, electionID []byte) error {
	e, err := m.stg.Election(electionID)
	if err != nil {
		return err
	}
	pub, err := crypto.PointFromBytes(e.PublicKey)
	if err != nil {
		return fmt.Errorf("election public key: %w", err)
	}
	batches, err := m.stg.MixBatches(electionID)
	if err != nil {
		return err
	}
	stages := Stages(e)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Status != storage.MixBatchMixed {
			return fmt.Errorf("batch %d is not mixed", b.Index)
		}
		if b.Size() == 0 {
			continue
		}
		ballots, err := m.stg.BallotsRange(electionID, b.FirstSeq, b.LastSeq)
		if err != nil {
			return err
		}
		input := ciphertexts(ballots)
		if !bytes.Equal(BallotsDigest(input), b.InputDigest) {
			return &StageError{Batch: b.Index, Err: fmt.Errorf("input digest mismatch")}
		}
		in := input
		for s := range stages {
			stage := uint8(s)
			sb, err := m.stg.ShuffledBatch(electionID, b.Index, stage)
			if err != nil {
				return fmt.Errorf("batch %d stage %d: %w", b.Index, stage, err)
			}
			if s == 0 {
				for _, pb := range sb.PaddingBallots {
					if !isPadding(pub, pb, len(e.Candidates)) {
						return &StageError{Batch: b.Index, Err: fmt.Errorf("padding ballot does not encrypt zero")}
					}
				}
				if len(input)+len(sb.PaddingBallots) < types.MinMixBatchSize || len(sb.PaddingBallots) != sb.Padding {
					return &StageError{Batch: b.Index, Err: fmt.Errorf("wrong padding")}
				}
				in = append(slices.Clone(input), sb.PaddingBallots...)
			}
			if sb.BallotCount != len(input) || len(sb.Ballots) != len(in) {
				return &StageError{Batch: b.Index, Stage: stage, Err: fmt.Errorf("ballot count mismatch")}
			}
			digest := BallotsDigest(in)
			stageCtx := StageContext(electionID, b.Index, stage, digest)
			if !bytes.Equal(sb.InputDigest, digest) || !bytes.Equal(sb.Context, stageCtx) {
				return &StageError{Batch: b.Index, Stage: stage, Err: fmt.Errorf("stage is not bound to its input")}
			}
			if err := shuffle.Verify(pub, in, sb.Ballots, stageCtx, sb.Proof); err != nil {
				return &StageError{Batch: b.Index, Stage: stage, Err: err}
			}
			in = sb.Ballots
		}
	}
	return nil
}
