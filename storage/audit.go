package storage

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/vottery/vottery-backend/types"
)

// AddAuditRecord appends an audit record to the log of its election.
// Records are never modified nor deleted.
func (s *Storage) AddAuditRecord(r *types.AuditRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	unlock := s.lockElection(r.ElectionID)
	defer unlock()
	keys, err := s.listArtifacts(auditPrefix, r.ElectionID)
	if err != nil {
		return err
	}
	return s.setArtifact(auditPrefix, joinKey(r.ElectionID, uint64Key(uint64(len(keys)))), r)
}

// AuditRecords returns the audit log of an election, oldest first.
func (s *Storage) AuditRecords(electionID []byte) ([]*types.AuditRecord, error) {
	var out []*types.AuditRecord
	err := s.iterateArtifacts(auditPrefix, electionID, func(_, v []byte) (bool, error) {
		r := &types.AuditRecord{}
		if err := decodeArtifact(v, r); err != nil {
			return false, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, r)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *types.AuditRecord) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	return out, nil
}

// HaltElection moves the election to the halted status and appends the
// audit record that explains why. The record is written even if the status
// cannot change, so no integrity failure goes unrecorded.
func (s *Storage) HaltElection(r *types.AuditRecord) error {
	_, statusErr := s.SetElectionStatus(r.ElectionID, types.ElectionStatusHalted)
	if err := s.AddAuditRecord(r); err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	if statusErr != nil {
		return fmt.Errorf("halt election: %w", statusErr)
	}
	return nil
}
