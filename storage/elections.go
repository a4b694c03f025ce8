package storage

import (
	"errors"
	"fmt"

	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
)

// Election retrieves the election from the storage.
// It returns nil data and ErrNotFound if the election is not found.
func (s *Storage) Election(electionID []byte) (*types.Election, error) {
	e := &types.Election{}
	if err := s.getArtifact(electionPrefix, electionID, e); err != nil {
		return nil, err
	}
	return e, nil
}

// NewElection stores a new election. It returns ErrElectionExists if an
// election with the same id is already stored.
func (s *Storage) NewElection(e *types.Election) error {
	if e == nil {
		return fmt.Errorf("nil election data")
	}
	unlock := s.lockElection(e.ID)
	defer unlock()
	exists, err := s.hasArtifact(electionPrefix, e.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrElectionExists
	}
	return s.setArtifact(electionPrefix, e.ID, e)
}

// UpdateElection loads the election, applies fn and stores the result, all
// under the election lock. If fn returns an error nothing is written.
func (s *Storage) UpdateElection(electionID []byte, fn func(*types.Election) error) (*types.Election, error) {
	unlock := s.lockElection(electionID)
	defer unlock()
	e, err := s.Election(electionID)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := s.setArtifact(electionPrefix, electionID, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ErrInvalidTransition is returned when a status change is not allowed by
// the election lifecycle.
var ErrInvalidTransition = errors.New("invalid election status transition")

// SetElectionStatus moves the election to the given status if the lifecycle
// allows it.
func (s *Storage) SetElectionStatus(electionID []byte, status types.ElectionStatus) (*types.Election, error) {
	return s.UpdateElection(electionID, func(e *types.Election) error {
		if e.Status == status {
			return nil
		}
		if !e.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
		}
		e.Status = status
		return nil
	})
}

// ListElections returns the ids of all the stored elections.
func (s *Storage) ListElections() ([]types.HexBytes, error) {
	keys, err := s.listArtifacts(electionPrefix, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]types.HexBytes, len(keys))
	for i, k := range keys {
		ids[i] = k
	}
	return ids, nil
}

// ElectionsByStatus returns the elections currently in one of the given
// statuses.
func (s *Storage) ElectionsByStatus(statuses ...types.ElectionStatus) ([]*types.Election, error) {
	var out []*types.Election
	err := s.iterateArtifacts(electionPrefix, nil, func(_, v []byte) (bool, error) {
		e := &types.Election{}
		if err := decodeArtifact(v, e); err != nil {
			return false, fmt.Errorf("decode election: %w", err)
		}
		for _, st := range statuses {
			if e.Status == st {
				out = append(out, e)
				break
			}
		}
		return true, nil
	})
	return out, err
}

// Pepper returns the secret pepper of the voter secret derivation of an
// election, creating it on first use.
func (s *Storage) Pepper(electionID []byte) ([]byte, error) {
	var pepper []byte
	err := s.getArtifact(pepperPrefix, electionID, &pepper)
	if err == nil {
		return pepper, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	unlock := s.lockElection(electionID)
	defer unlock()
	// double check under the lock
	if err := s.getArtifact(pepperPrefix, electionID, &pepper); err == nil {
		return pepper, nil
	}
	pepper = util.RandomBytes(32)
	if err := s.setArtifact(pepperPrefix, electionID, pepper); err != nil {
		return nil, err
	}
	return pepper, nil
}

// SetElectionKeys stores the public outcome of the key generation.
func (s *Storage) SetElectionKeys(keys *ElectionKeys) error {
	return s.setArtifact(electionKeysPrefix, keys.ElectionID, keys)
}

// ElectionKeys loads the public key material of an election. Returns
// ErrNotFound if the keys do not exist.
func (s *Storage) ElectionKeys(electionID []byte) (*ElectionKeys, error) {
	keys := &ElectionKeys{}
	if err := s.getArtifact(electionKeysPrefix, electionID, keys); err != nil {
		return nil, err
	}
	return keys, nil
}
