package storage

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/vottery/vottery-backend/types"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

func mixBatchKey(electionID []byte, index uint32) []byte {
	return joinKey(electionID, uint32Key(index))
}

func shuffledBatchKey(electionID []byte, index uint32, stage uint8) []byte {
	return joinKey(electionID, uint32Key(index), []byte{stage})
}

// MixBatches returns every mix batch of an election ordered by index.
func (s *Storage) MixBatches(electionID []byte) ([]*MixBatch, error) {
	var out []*MixBatch
	err := s.iterateArtifacts(mixBatchPrefix, electionID, func(_, v []byte) (bool, error) {
		b := &MixBatch{}
		if err := decodeArtifact(v, b); err != nil {
			return false, fmt.Errorf("decode mix batch: %w", err)
		}
		out = append(out, b)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *MixBatch) int { return cmp.Compare(a.Index, b.Index) })
	return out, nil
}

// PushMixBatch appends a new batch to the mix queue of the election. The
// batch index must follow the last stored one and its range must start where
// the previous batch ended, so the batches of an election always cover a
// contiguous prefix of the accepted ballots.
func (s *Storage) PushMixBatch(b *MixBatch) error {
	unlock := s.lockElection(b.ElectionID)
	defer unlock()
	batches, err := s.MixBatches(b.ElectionID)
	if err != nil {
		return err
	}
	var nextIndex uint32
	var nextSeq uint64
	if len(batches) > 0 {
		last := batches[len(batches)-1]
		if last.Final {
			return fmt.Errorf("final batch already cut: %w", ErrAlreadyExists)
		}
		nextIndex, nextSeq = last.Index+1, last.LastSeq
	}
	if b.Index != nextIndex || b.FirstSeq != nextSeq {
		return fmt.Errorf("batch %d [%d,%d) does not follow batch %d ending at %d",
			b.Index, b.FirstSeq, b.LastSeq, nextIndex, nextSeq)
	}
	return s.setArtifact(mixBatchPrefix, mixBatchKey(b.ElectionID, b.Index), b)
}

// MixBatch returns a single mix batch.
func (s *Storage) MixBatch(electionID []byte, index uint32) (*MixBatch, error) {
	b := &MixBatch{}
	if err := s.getArtifact(mixBatchPrefix, mixBatchKey(electionID, index), b); err != nil {
		return nil, err
	}
	return b, nil
}

// NextMixBatch returns the next pending, non-reserved mix batch of the
// election and reserves it. It returns ErrNoMoreElements if there is none.
// The reservation is released by MarkMixBatchDone or ReleaseMixBatch.
func (s *Storage) NextMixBatch(electionID []byte) (*MixBatch, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	batches, err := s.MixBatches(electionID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.Status != MixBatchPending {
			continue
		}
		key := mixBatchKey(electionID, b.Index)
		if s.isReserved(mixBatchPrefix, key) {
			continue
		}
		if err := s.setReservation(mixBatchPrefix, key); err != nil {
			return nil, fmt.Errorf("reserve mix batch: %w", err)
		}
		return b, nil
	}
	return nil, ErrNoMoreElements
}

// MarkMixBatchDone stores the new state of a reserved batch and releases
// its reservation.
func (s *Storage) MarkMixBatchDone(b *MixBatch) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	key := mixBatchKey(b.ElectionID, b.Index)
	if err := s.setArtifact(mixBatchPrefix, key, b); err != nil {
		return err
	}
	if err := s.deleteReservation(mixBatchPrefix, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// ReleaseMixBatch drops the reservation of a batch without changing it.
func (s *Storage) ReleaseMixBatch(electionID []byte, index uint32) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	err := s.deleteReservation(mixBatchPrefix, mixBatchKey(electionID, index))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// SetShuffledBatch stores the output of one mix stage.
func (s *Storage) SetShuffledBatch(sb *ShuffledBatch) error {
	return s.setArtifact(shuffledBatchPrefix, shuffledBatchKey(sb.ElectionID, sb.BatchIndex, sb.Stage), sb)
}

// ShuffledBatch returns the output of a mix stage over a batch.
func (s *Storage) ShuffledBatch(electionID []byte, index uint32, stage uint8) (*ShuffledBatch, error) {
	sb := &ShuffledBatch{}
	if err := s.getArtifact(shuffledBatchPrefix, shuffledBatchKey(electionID, index, stage), sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// DeleteShuffledBatches removes every stage output of a batch in a single
// transaction, so a failed cascade leaves nothing partially applied.
func (s *Storage) DeleteShuffledBatches(electionID []byte, index uint32) error {
	keys, err := s.listArtifacts(shuffledBatchPrefix, mixBatchKey(electionID, index))
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), shuffledBatchPrefix)
	defer wTx.Discard()
	for _, k := range keys {
		if err := wTx.Delete(joinKey(mixBatchKey(electionID, index), k)); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// SetShuffledBatches stores the outputs of every stage of a batch together
// with the new state of the batch in one transaction.
func (s *Storage) SetShuffledBatches(b *MixBatch, stages []*ShuffledBatch) error {
	batchData, err := encodeArtifact(b)
	if err != nil {
		return fmt.Errorf("encode mix batch: %w", err)
	}
	wTx := s.db.WriteTx()
	defer wTx.Discard()
	sbTx := prefixeddb.NewPrefixedWriteTx(wTx, shuffledBatchPrefix)
	for _, sb := range stages {
		data, err := encodeArtifact(sb)
		if err != nil {
			return fmt.Errorf("encode shuffled batch: %w", err)
		}
		if err := sbTx.Set(shuffledBatchKey(sb.ElectionID, sb.BatchIndex, sb.Stage), data); err != nil {
			return err
		}
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, mixBatchPrefix).
		Set(mixBatchKey(b.ElectionID, b.Index), batchData); err != nil {
		return err
	}
	return wTx.Commit()
}

// SetTally stores the tally result of an election. A tally is written once.
func (s *Storage) SetTally(r *types.TallyResult) error {
	unlock := s.lockElection(r.ElectionID)
	defer unlock()
	exists, err := s.hasArtifact(tallyPrefix, r.ElectionID)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return s.setArtifact(tallyPrefix, r.ElectionID, r)
}

// Tally returns the tally result of an election or ErrNotFound.
func (s *Storage) Tally(electionID []byte) (*types.TallyResult, error) {
	r := &types.TallyResult{}
	if err := s.getArtifact(tallyPrefix, electionID, r); err != nil {
		return nil, err
	}
	return r, nil
}
