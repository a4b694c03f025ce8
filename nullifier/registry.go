// Package nullifier is the gate that lets exactly one ballot per voter and
// election through. A nullifier is consumed in the same storage transaction
// that stores the ballot and its receipt, so either the three are written
// or none is.
package nullifier

import (
	"errors"
	"fmt"

	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
)

// ErrDuplicateNullifier is returned when the nullifier was already consumed
// in the election.
var ErrDuplicateNullifier = errors.New("duplicate nullifier")

// Registry keeps the consumed nullifiers of every election.
type Registry struct {
	stg *storage.Storage
}

// New returns a registry backed by the storage.
func New(stg *storage.Storage) *Registry {
	return &Registry{stg: stg}
}

// TryConsume consumes the nullifier of the ballot and stores the ballot and
// its receipt. Concurrent calls with the same nullifier see exactly one
// success, the rest fail with ErrDuplicateNullifier. It returns the
// sequence number assigned to the accepted ballot.
func (r *Registry) TryConsume(b *storage.Ballot, receipt *types.Receipt) (uint64, error) {
	if b == nil || len(b.ElectionID) == 0 || len(b.Nullifier) == 0 {
		return 0, fmt.Errorf("ballot without election or nullifier")
	}
	seq, err := r.stg.AcceptBallot(b, receipt)
	if err != nil {
		if errors.Is(err, storage.ErrNullifierExists) {
			log.Debugw("duplicate nullifier rejected",
				"electionID", b.ElectionID.String(),
				"nullifier", b.Nullifier.String())
			return 0, ErrDuplicateNullifier
		}
		return 0, fmt.Errorf("consume nullifier: %w", err)
	}
	return seq, nil
}

// Contains reports whether the nullifier was consumed in the election.
func (r *Registry) Contains(electionID, nullifier []byte) (bool, error) {
	return r.stg.HasNullifier(electionID, nullifier)
}

// Count returns the number of consumed nullifiers of the election.
func (r *Registry) Count(electionID []byte) (uint64, error) {
	return r.stg.CountNullifiers(electionID)
}
