package sequencer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/nullifier"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
	"go.vocdoni.io/dvote/db/metadb"
)

func newTestSequencer(t *testing.T, trustees int, conf Config) *Sequencer {
	t.Helper()
	stg := storage.New(metadb.NewTest(t))
	authority := keyauthority.New(stg)
	authority.SetRetryTimeout(200 * time.Millisecond)
	for i := range trustees {
		authority.AddTrustee(trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), stg))
	}
	s, err := New(stg, authority, conf)
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func newTestElection(t *testing.T, s *Sequencer, organizer common.Address, candidates int) *types.Election {
	t.Helper()
	e := &types.Election{
		Organizer:      organizer,
		Title:          "sequencer test",
		Threshold:      types.ThresholdConfig{K: 2, N: 3},
		CheckpointSize: 16,
	}
	for i := range candidates {
		e.Candidates = append(e.Candidates, types.Candidate{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("Candidate %d", i)})
	}
	qt.Assert(t, s.CreateElection(e), qt.IsNil)
	return e
}

func randomAddress() common.Address {
	return common.BytesToAddress(util.RandomBytes(20))
}

func waitStatus(t *testing.T, s *Sequencer, eid []byte, status types.ElectionStatus, timeout time.Duration) *types.Election {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		e, err := s.Election(eid)
		qt.Assert(t, err, qt.IsNil)
		if e.Status == status {
			return e
		}
		if time.Now().After(deadline) {
			t.Fatalf("election still %s after %s, expected %s", e.Status, timeout, status)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestElectionLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestSequencer(t, 3, Config{TickInterval: 50 * time.Millisecond})
	organizer := randomAddress()
	e := newTestElection(t, s, organizer, 3)
	c.Assert(e.Status, qt.Equals, types.ElectionStatusDraft)
	c.Assert(e.ID, qt.HasLen, types.ElectionIDLen)
	c.Assert(e.MixStages, qt.Equals, types.DefaultMixStages)

	_, err := s.GenerateKeys(ctx, e.ID, randomAddress())
	c.Assert(err, qt.ErrorIs, ErrNotOrganizer)
	keys, err := s.GenerateKeys(ctx, e.ID, organizer)
	c.Assert(err, qt.IsNil)
	c.Assert(keys.Threshold.K, qt.Equals, 2)
	c.Assert(s.Activate(e.ID), qt.IsNil)
	c.Assert(s.Start(ctx), qt.IsNil)

	const ballots = 150
	expected := make([]uint64, 3)
	voters := make([]common.Address, 0, ballots)
	var lastReceipt *types.Receipt
	for i := range ballots {
		voter := randomAddress()
		if i == 70 || i == 140 {
			voter = voters[i/2]
		}
		voters = append(voters, voter)
		choice := i % 3
		r, err := s.SubmitBallot(ctx, e.ID, voter, choice)
		if i == 70 || i == 140 {
			c.Assert(err, qt.ErrorIs, nullifier.ErrDuplicateNullifier)
			continue
		}
		c.Assert(err, qt.IsNil)
		expected[choice]++
		lastReceipt = r
	}

	// the receipt verifies before the tally, as pending
	v, err := s.Receipts().VerifyReceipt(lastReceipt.VerificationCode, lastReceipt.ReceiptHash)
	c.Assert(err, qt.IsNil)
	c.Assert(v.Status, qt.Equals, receipts.StatusPending)

	_, err = s.CloseElection(e.ID, &organizer)
	c.Assert(err, qt.IsNil)
	_, err = s.SubmitBallot(ctx, e.ID, randomAddress(), 0)
	c.Assert(err, qt.ErrorIs, ErrElectionNotActive)

	waitStatus(t, s, e.ID, types.ElectionStatusTallied, time.Minute)
	res, err := s.TallyEngine().Result(e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(res.TotalVotes, qt.Equals, uint64(ballots-2))
	c.Assert(res.ValidVotes, qt.Equals, uint64(ballots-2))
	c.Assert(res.CandidateResults, qt.HasLen, 3)
	for i, cr := range res.CandidateResults {
		c.Assert(cr.CandidateID, qt.Equals, fmt.Sprintf("c%d", i))
		c.Assert(cr.Votes, qt.Equals, expected[i])
	}

	v, err = s.Receipts().VerifyReceipt(lastReceipt.VerificationCode, lastReceipt.ReceiptHash)
	c.Assert(err, qt.IsNil)
	c.Assert(v.IsValid, qt.IsTrue)
	c.Assert(v.Status, qt.Equals, receipts.StatusVerified)
	c.Assert(v.Inclusion.Included, qt.IsTrue)

	// the loops forget the election once tallied
	for start := time.Now(); len(s.ElectionIDs()) > 0 && time.Since(start) < 5*time.Second; {
		time.Sleep(50 * time.Millisecond)
	}
	c.Assert(s.ElectionIDs(), qt.HasLen, 0)
}

func TestSubmitBallotRejections(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestSequencer(t, 3, Config{})
	organizer := randomAddress()
	e := newTestElection(t, s, organizer, 2)

	_, err := s.SubmitBallot(ctx, e.ID, randomAddress(), 0)
	c.Assert(err, qt.ErrorIs, ErrElectionNotActive)

	eligible := randomAddress()
	_, err = s.AddToCensus(e.ID, randomAddress(), []common.Address{eligible})
	c.Assert(err, qt.ErrorIs, ErrNotOrganizer)
	root, err := s.AddToCensus(e.ID, organizer, []common.Address{eligible})
	c.Assert(err, qt.IsNil)
	c.Assert(root, qt.Not(qt.HasLen), 0)

	_, err = s.GenerateKeys(ctx, e.ID, organizer)
	c.Assert(err, qt.IsNil)
	_, err = s.GenerateKeys(ctx, e.ID, organizer)
	c.Assert(err, qt.ErrorIs, ErrInvalidStatus)
	c.Assert(s.Activate(e.ID), qt.IsNil)

	_, err = s.AddToCensus(e.ID, organizer, []common.Address{randomAddress()})
	c.Assert(err, qt.ErrorIs, ErrInvalidStatus)

	_, err = s.SubmitBallot(ctx, e.ID, randomAddress(), 0)
	c.Assert(err, qt.ErrorIs, ErrNotEligible)
	_, err = s.SubmitBallot(ctx, e.ID, eligible, 2)
	c.Assert(err, qt.ErrorIs, ballot.ErrInvalidSelection)
	r, err := s.SubmitBallot(ctx, e.ID, eligible, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(r.VerificationCode, qt.HasLen, 2*types.VerificationCodeLen)
	_, err = s.SubmitBallot(ctx, e.ID, eligible, 0)
	c.Assert(err, qt.ErrorIs, nullifier.ErrDuplicateNullifier)
}

func TestTallyOnDemandAndArchive(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := newTestSequencer(t, 3, Config{ArchiveAfter: time.Nanosecond})
	organizer := randomAddress()
	e := newTestElection(t, s, organizer, 2)
	_, err := s.GenerateKeys(ctx, e.ID, organizer)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Activate(e.ID), qt.IsNil)
	for i := range 5 {
		_, err := s.SubmitBallot(ctx, e.ID, randomAddress(), i%2)
		c.Assert(err, qt.IsNil)
	}

	_, err = s.Tally(ctx, e.ID)
	c.Assert(err, qt.Not(qt.IsNil))
	_, err = s.CloseElection(e.ID, nil)
	c.Assert(err, qt.IsNil)
	status, err := s.ProcessMix(ctx, e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, "completed")
	res, err := s.Tally(ctx, e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(res.CandidateResults[0].Votes, qt.Equals, uint64(3))
	c.Assert(res.CandidateResults[1].Votes, qt.Equals, uint64(2))

	time.Sleep(time.Millisecond)
	s.archiveTallied()
	archived, err := s.Election(e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(archived.Status, qt.Equals, types.ElectionStatusArchived)
}
