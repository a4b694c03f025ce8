// Package testutil builds complete elections, with trustees, keys and
// accepted ballots, for the tests of the packages that work on them.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/nullifier"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
	"go.dedis.ch/kyber/v3"
	"go.vocdoni.io/dvote/db/metadb"
)

// Election is an active election with generated keys.
type Election struct {
	Storage   *storage.Storage
	Trees     *merkletree.TreeDB
	Authority *keyauthority.Authority
	Trustees  []*trustee.Local
	Registry  *nullifier.Registry
	Election  *types.Election
	PublicKey kyber.Point
}

// NewElection creates an active election with the given number of
// candidates whose key is shared among n local trustees with threshold k.
func NewElection(tb testing.TB, candidates, k, n int) *Election {
	tb.Helper()
	stg := storage.New(metadb.NewTest(tb))
	f := &Election{
		Storage:   stg,
		Trees:     merkletree.NewTreeDB(stg.DB()),
		Authority: keyauthority.New(stg),
		Registry:  nullifier.New(stg),
	}
	f.Authority.SetRetryTimeout(200 * time.Millisecond)
	for i := range n {
		l := trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), stg)
		f.Trustees = append(f.Trustees, l)
		f.Authority.AddTrustee(l)
	}
	e := &types.Election{
		ID:             util.RandomBytes(types.ElectionIDLen),
		Organizer:      common.BytesToAddress(util.RandomBytes(20)),
		Title:          "test election",
		Threshold:      types.ThresholdConfig{K: k, N: n},
		CheckpointSize: 16,
		MixStages:      2,
		CreatedAt:      time.Now(),
	}
	for i := range candidates {
		e.Candidates = append(e.Candidates, types.Candidate{ID: fmt.Sprintf("candidate-%d", i), Name: fmt.Sprintf("Candidate %d", i)})
	}
	if err := stg.NewElection(e); err != nil {
		tb.Fatal(err)
	}
	f.Election = e
	keys, err := f.Authority.GenerateElectionKeys(context.Background(), e.ID, k, n)
	if err != nil {
		tb.Fatal(err)
	}
	if f.PublicKey, err = crypto.PointFromBytes(keys.PublicKey); err != nil {
		tb.Fatal(err)
	}
	if _, err := stg.UpdateElection(e.ID, func(e *types.Election) error {
		e.PublicKey, e.KeyID = keys.PublicKey, keys.KeyID
		return nil
	}); err != nil {
		tb.Fatal(err)
	}
	f.SetStatus(tb, types.ElectionStatusPublished)
	f.SetStatus(tb, types.ElectionStatusActive)
	return f
}

// SetStatus moves the election to the given status.
func (f *Election) SetStatus(tb testing.TB, status types.ElectionStatus) {
	tb.Helper()
	e, err := f.Storage.SetElectionStatus(f.Election.ID, status)
	if err != nil {
		tb.Fatal(err)
	}
	f.Election = e
}

// Vote casts the ballot of voter for the candidate at choice.
func (f *Election) Vote(voter []byte, choice int) (*types.Receipt, error) {
	pepper, err := f.Storage.Pepper(f.Election.ID)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.VoterSecret(pepper, f.Election.ID, voter)
	if err != nil {
		return nil, err
	}
	enc, err := ballot.Encrypt(f.PublicKey, len(f.Election.Candidates), choice, secret, f.Election.ID)
	if err != nil {
		return nil, err
	}
	r := receipts.IssueReceipt(f.Election.ID, enc.Commitment, enc.Nullifier)
	_, err = f.Registry.TryConsume(&storage.Ballot{
		ElectionID:  f.Election.ID,
		Ciphertexts: enc.Ciphertexts,
		Proof:       enc.Proof,
		Nullifier:   enc.Nullifier,
		Commitment:  enc.Commitment,
		ReceivedAt:  time.Now(),
	}, r)
	if err != nil {
		return nil, err
	}
	return r, nil
}
