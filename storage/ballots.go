package storage

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/vottery/vottery-backend/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

// AcceptBallot stores an accepted ballot together with its nullifier and its
// receipt in a single write transaction. The check for a previously consumed
// nullifier and the insertion run under the election lock, so for every
// election there is a single order of acceptance. It returns the sequence
// number assigned to the ballot, ErrNullifierExists or ErrElectionFrozen.
func (s *Storage) AcceptBallot(b *Ballot, r *types.Receipt) (uint64, error) {
	if b == nil || r == nil {
		return 0, fmt.Errorf("nil ballot or receipt")
	}
	unlock := s.lockElection(b.ElectionID)
	defer unlock()

	// status changes take the same lock, so no ballot lands after the close
	if e, err := s.Election(b.ElectionID); err == nil && e.Status.Frozen() {
		return 0, fmt.Errorf("%w: election is %s", ErrElectionFrozen, e.Status)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	consumed, err := s.hasArtifact(nullifierPrefix, joinKey(b.ElectionID, b.Nullifier))
	if err != nil {
		return 0, fmt.Errorf("check nullifier: %w", err)
	}
	if consumed {
		return 0, ErrNullifierExists
	}
	codeTaken, err := s.hasArtifact(receiptPrefix, []byte(r.VerificationCode))
	if err != nil {
		return 0, fmt.Errorf("check receipt: %w", err)
	}
	if codeTaken {
		return 0, fmt.Errorf("receipt code: %w", ErrAlreadyExists)
	}
	seq, err := s.ballotCounter(b.ElectionID)
	if err != nil {
		return 0, err
	}
	b.Seq = seq

	ballotData, err := encodeArtifact(b)
	if err != nil {
		return 0, fmt.Errorf("encode ballot: %w", err)
	}
	receiptData, err := encodeArtifact(r)
	if err != nil {
		return 0, fmt.Errorf("encode receipt: %w", err)
	}
	counterData, err := encodeArtifact(seq + 1)
	if err != nil {
		return 0, fmt.Errorf("encode counter: %w", err)
	}

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := prefixeddb.NewPrefixedWriteTx(wTx, ballotPrefix).
		Set(joinKey(b.ElectionID, uint64Key(seq)), ballotData); err != nil {
		return 0, err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, nullifierPrefix).
		Set(joinKey(b.ElectionID, b.Nullifier), uint64Key(seq)); err != nil {
		return 0, err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, ballotCounterPrefix).
		Set(b.ElectionID, counterData); err != nil {
		return 0, err
	}
	if err := prefixeddb.NewPrefixedWriteTx(wTx, receiptPrefix).
		Set([]byte(r.VerificationCode), receiptData); err != nil {
		return 0, err
	}
	if err := wTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ballot: %w", err)
	}
	return seq, nil
}

func (s *Storage) ballotCounter(electionID []byte) (uint64, error) {
	var n uint64
	if err := s.getArtifact(ballotCounterPrefix, electionID, &n); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read ballot counter: %w", err)
	}
	return n, nil
}

// BallotCount returns the number of accepted ballots of an election, which
// is also the number of consumed nullifiers.
func (s *Storage) BallotCount(electionID []byte) (uint64, error) {
	return s.ballotCounter(electionID)
}

// HasNullifier reports whether the nullifier was consumed in the election.
func (s *Storage) HasNullifier(electionID, nullifier []byte) (bool, error) {
	return s.hasArtifact(nullifierPrefix, joinKey(electionID, nullifier))
}

// CountNullifiers counts the consumed nullifiers of an election by walking
// the nullifier set. Used to cross check the ballot counter.
func (s *Storage) CountNullifiers(electionID []byte) (uint64, error) {
	keys, err := s.listArtifacts(nullifierPrefix, electionID)
	if err != nil {
		return 0, err
	}
	return uint64(len(keys)), nil
}

// Ballot returns the accepted ballot with the given sequence number.
func (s *Storage) Ballot(electionID []byte, seq uint64) (*Ballot, error) {
	b := &Ballot{}
	if err := s.getArtifact(ballotPrefix, joinKey(electionID, uint64Key(seq)), b); err != nil {
		return nil, err
	}
	return b, nil
}

// BallotByNullifier returns the ballot accepted with the given nullifier.
func (s *Storage) BallotByNullifier(electionID, nullifier []byte) (*Ballot, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, nullifierPrefix)
	seq, err := rTx.Get(joinKey(electionID, nullifier))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(seq) != 8 {
		return nil, fmt.Errorf("corrupted nullifier record")
	}
	return s.Ballot(electionID, binary.BigEndian.Uint64(seq))
}

// BallotsRange returns the accepted ballots with sequence numbers in
// [from, to), ordered by sequence number.
func (s *Storage) BallotsRange(electionID []byte, from, to uint64) ([]*Ballot, error) {
	var out []*Ballot
	err := s.iterateArtifacts(ballotPrefix, electionID, func(k, v []byte) (bool, error) {
		if len(k) != 8 {
			return true, nil
		}
		seq := binary.BigEndian.Uint64(k)
		if seq < from || seq >= to {
			return true, nil
		}
		b := &Ballot{}
		if err := decodeArtifact(v, b); err != nil {
			return false, fmt.Errorf("decode ballot %d: %w", seq, err)
		}
		out = append(out, b)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// not every backend iterates in key order
	slices.SortFunc(out, func(a, b *Ballot) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

// Receipt returns the receipt issued with the given verification code.
func (s *Storage) Receipt(code string) (*types.Receipt, error) {
	r := &types.Receipt{}
	if err := s.getArtifact(receiptPrefix, []byte(code), r); err != nil {
		return nil, err
	}
	return r, nil
}
