package trustee

import (
	"context"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
	"go.dedis.ch/kyber/v3"
	"go.vocdoni.io/dvote/db/metadb"
)

// ceremony runs the key generation among local trustees by hand.
func runCeremony(c *qt.C, trustees []*Local, threshold int, eid []byte, id string) []*FinalizeResponse {
	ctx := context.Background()
	keys := make(map[int]types.HexBytes)
	for i, tr := range trustees {
		info, err := tr.Info(ctx)
		c.Assert(err, qt.IsNil)
		keys[i+1] = info.DealKey
	}
	inbox := make(map[int][]*dkg.Deal)
	for i, tr := range trustees {
		resp, err := tr.Deal(ctx, &DealRequest{ElectionID: eid, CeremonyID: id, Index: i + 1, Threshold: threshold, DealKeys: keys})
		c.Assert(err, qt.IsNil)
		c.Assert(resp.Deals, qt.HasLen, len(trustees)-1)
		for _, d := range resp.Deals {
			inbox[d.Recipient] = append(inbox[d.Recipient], d)
		}
	}
	out := make([]*FinalizeResponse, len(trustees))
	for i, tr := range trustees {
		resp, err := tr.Finalize(ctx, &FinalizeRequest{ElectionID: eid, CeremonyID: id, Index: i + 1, Deals: inbox[i+1]})
		c.Assert(err, qt.IsNil)
		out[i] = resp
	}
	return out
}

func newTrustees(t *testing.T, n int) []*Local {
	stg := storage.New(metadb.NewTest(t))
	trustees := make([]*Local, n)
	for i := range trustees {
		trustees[i] = NewLocal(fmt.Sprintf("trustee-%d", i+1), stg)
	}
	return trustees
}

func TestLocalCeremonyAndDecrypt(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	trustees := newTrustees(t, 3)
	eid := util.RandomBytes(32)
	results := runCeremony(c, trustees, 2, eid, "key-1")

	// every trustee agrees on the public key
	for _, r := range results[1:] {
		c.Assert(r.PublicKey, qt.DeepEquals, results[0].PublicKey)
	}
	pub, err := crypto.PointFromBytes(results[0].PublicKey)
	c.Assert(err, qt.IsNil)

	c1, c2, _ := elgamal.Encrypt(pub, 7)
	req := &DecryptRequest{ElectionID: eid, Context: []byte("ctx"), C1s: dkg.EncodePoints([]kyber.Point{c1})}
	var partials []*dkg.PartialDecryption
	for _, idx := range []int{1, 3} {
		pd, err := trustees[idx-1].PartialDecrypt(ctx, req)
		c.Assert(err, qt.IsNil)
		publicShare, err := crypto.PointFromBytes(results[idx-1].PublicShare)
		c.Assert(err, qt.IsNil)
		c.Assert(dkg.VerifyPartialDecryption(publicShare, []kyber.Point{c1}, pd, req.Context), qt.IsNil)
		partials = append(partials, pd)
	}
	// a request for another key generation is refused
	_, err = trustees[0].PartialDecrypt(ctx, &DecryptRequest{ElectionID: eid, KeyID: "key-0", C1s: req.C1s})
	c.Assert(err, qt.ErrorIs, ErrNoShare)

	ms, err := dkg.CombinePartialDecryptions([]kyber.Point{c2}, partials, 2)
	c.Assert(err, qt.IsNil)
	m, err := elgamal.BabyStepGiantStep(ms[0], 10)
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, uint64(7))
}

func TestLocalErrors(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	trustees := newTrustees(t, 2)
	eid := util.RandomBytes(32)

	_, err := trustees[0].Finalize(ctx, &FinalizeRequest{ElectionID: eid, CeremonyID: "c1", Index: 1})
	c.Assert(err, qt.ErrorIs, ErrNoCeremony)
	_, err = trustees[0].PartialDecrypt(ctx, &DecryptRequest{ElectionID: eid})
	c.Assert(err, qt.ErrorIs, ErrNoShare)

	runCeremony(c, trustees, 2, eid, "c1")
	info, err := trustees[0].Info(ctx)
	c.Assert(err, qt.IsNil)
	_, err = trustees[0].Deal(ctx, &DealRequest{ElectionID: eid, CeremonyID: "c1", Index: 1, Threshold: 2,
		DealKeys: map[int]types.HexBytes{1: info.DealKey, 2: info.DealKey}})
	c.Assert(err, qt.ErrorIs, ErrAlreadyDealt)

	ks, err := trustees[1].KeyShare(eid)
	c.Assert(err, qt.IsNil)
	c.Assert(ks.Index, qt.Equals, 2)
}

func TestLocalRejectsForeignDeal(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	trustees := newTrustees(t, 3)
	eid := util.RandomBytes(32)
	keys := make(map[int]types.HexBytes)
	for i, tr := range trustees {
		info, err := tr.Info(ctx)
		c.Assert(err, qt.IsNil)
		keys[i+1] = info.DealKey
	}
	var toThree []*dkg.Deal
	for i, tr := range trustees {
		resp, err := tr.Deal(ctx, &DealRequest{ElectionID: eid, CeremonyID: "c1", Index: i + 1, Threshold: 2, DealKeys: keys})
		c.Assert(err, qt.IsNil)
		for _, d := range resp.Deals {
			if d.Recipient == 3 {
				toThree = append(toThree, d)
			}
		}
	}
	// trustee 2 cannot open the deals sealed to trustee 3
	_, err := trustees[1].Finalize(ctx, &FinalizeRequest{ElectionID: eid, CeremonyID: "c1", Index: 2, Deals: toThree})
	c.Assert(err, qt.IsNotNil)
}

func TestLocalRestartedCeremony(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	trustees := newTrustees(t, 3)
	eid := util.RandomBytes(32)
	keys := make(map[int]types.HexBytes)
	for i, tr := range trustees {
		info, err := tr.Info(ctx)
		c.Assert(err, qt.IsNil)
		keys[i+1] = info.DealKey
	}

	// a first ceremony deals but never completes
	first := &DealRequest{ElectionID: eid, CeremonyID: "c1", Index: 1, Threshold: 2, DealKeys: keys}
	dealt, err := trustees[0].Deal(ctx, first)
	c.Assert(err, qt.IsNil)
	again, err := trustees[0].Deal(ctx, first)
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.Equals, dealt)

	// a completed ceremony left over from an attempt the coordinator gave up on
	stale := runCeremony(c, trustees[1:], 2, eid, "c0")

	// the new ceremony replaces both
	results := runCeremony(c, trustees, 2, eid, "c2")
	for _, r := range results[1:] {
		c.Assert(r.PublicKey, qt.DeepEquals, results[0].PublicKey)
	}
	c.Assert(results[1].PublicKey, qt.Not(qt.DeepEquals), stale[0].PublicKey)
	_, err = trustees[0].Finalize(ctx, &FinalizeRequest{ElectionID: eid, CeremonyID: "c1", Index: 1, Deals: dealt.Deals})
	c.Assert(err, qt.ErrorIs, ErrNoCeremony)

	// finalizing the stored ceremony again returns the same outcome
	replay, err := trustees[2].Finalize(ctx, &FinalizeRequest{ElectionID: eid, CeremonyID: "c2", Index: 3})
	c.Assert(err, qt.IsNil)
	c.Assert(replay.PublicShare, qt.DeepEquals, results[2].PublicShare)

	for i, tr := range trustees {
		ks, err := tr.KeyShare(eid)
		c.Assert(err, qt.IsNil)
		c.Assert(ks.Index, qt.Equals, i+1)
		c.Assert(crypto.PointBytes(ks.PublicKey()), qt.DeepEquals, []byte(results[0].PublicKey))
	}
}
