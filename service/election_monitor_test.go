package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
	"go.vocdoni.io/dvote/db/metadb"
)

func TestElectionMonitor(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	store := storage.New(metadb.NewTest(t))
	authority := keyauthority.New(store)
	for i := range 3 {
		authority.AddTrustee(trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), store))
	}
	seqService, err := NewSequencer(store, authority, sequencer.Config{})
	c.Assert(err, qt.IsNil)
	seq := seqService.Sequencer()

	now := time.Now()
	organizer := common.BytesToAddress(util.RandomBytes(20))
	e := &types.Election{
		Organizer:  organizer,
		Title:      "scheduled",
		Candidates: []types.Candidate{{ID: "a"}, {ID: "b"}},
		StartTime:  now.Add(time.Hour),
		EndTime:    now.Add(2 * time.Hour),
		Threshold:  types.ThresholdConfig{K: 2, N: 3},
	}
	c.Assert(seq.CreateElection(e), qt.IsNil)
	monitor := NewElectionMonitor(seq, store, time.Hour)

	// draft elections are not scheduled
	c.Assert(monitor.CheckWindows(now.Add(90*time.Minute)), qt.Equals, 0)

	_, err = seq.GenerateKeys(ctx, e.ID, organizer)
	c.Assert(err, qt.IsNil)
	c.Assert(monitor.CheckWindows(now), qt.Equals, 0)

	c.Assert(monitor.CheckWindows(now.Add(90*time.Minute)), qt.Equals, 1)
	got, err := seq.Election(e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.ElectionStatusActive)

	c.Assert(monitor.CheckWindows(now.Add(3*time.Hour)), qt.Equals, 1)
	got, err = seq.Election(e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.ElectionStatusClosed)
	c.Assert(monitor.CheckWindows(now.Add(4*time.Hour)), qt.Equals, 0)

	// the loop runs a check as soon as it starts
	e2 := &types.Election{
		Organizer:  organizer,
		Title:      "open now",
		Candidates: []types.Candidate{{ID: "a"}, {ID: "b"}},
		Threshold:  types.ThresholdConfig{K: 2, N: 3},
	}
	c.Assert(seq.CreateElection(e2), qt.IsNil)
	_, err = seq.GenerateKeys(ctx, e2.ID, organizer)
	c.Assert(err, qt.IsNil)
	c.Assert(monitor.Start(ctx), qt.IsNil)
	c.Assert(monitor.Start(ctx), qt.ErrorMatches, "service already running")
	defer monitor.Stop()
	for start := time.Now(); time.Since(start) < 5*time.Second; time.Sleep(20 * time.Millisecond) {
		if got, err := seq.Election(e2.ID); err == nil && got.Status == types.ElectionStatusActive {
			return
		}
	}
	t.Fatal("election was not activated")
}
