package keyauthority

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/util"
	"go.vocdoni.io/dvote/db/metadb"
)

// faulty wraps a trustee and makes some of its calls fail.
type faulty struct {
	trustee.Trustee
	offline        atomic.Bool
	flaky          atomic.Int32 // number of calls failing before success
	cheating       atomic.Bool
	calls          atomic.Int32
	rejectFinalize atomic.Int32 // number of Finalize calls refused
}

func (f *faulty) Finalize(ctx context.Context, req *trustee.FinalizeRequest) (*trustee.FinalizeResponse, error) {
	if f.rejectFinalize.Add(-1) >= 0 {
		return nil, fmt.Errorf("finalize refused")
	}
	return f.Trustee.Finalize(ctx, req)
}

func (f *faulty) PartialDecrypt(ctx context.Context, req *trustee.DecryptRequest) (*dkg.PartialDecryption, error) {
	f.calls.Add(1)
	if f.offline.Load() {
		return nil, fmt.Errorf("%w: offline", trustee.ErrUnavailable)
	}
	if f.flaky.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: flaky", trustee.ErrUnavailable)
	}
	pd, err := f.Trustee.PartialDecrypt(ctx, req)
	if err != nil {
		return nil, err
	}
	if f.cheating.Load() {
		pd.D[0] = crypto.Suite.Point().Pick(crypto.Suite.RandomStream())
	}
	return pd, nil
}

type setup struct {
	auth     *Authority
	locals   []*trustee.Local
	trustees []*faulty
	stg      *storage.Storage
}

func newSetup(t *testing.T, n int) *setup {
	stg := storage.New(metadb.NewTest(t))
	s := &setup{stg: stg, auth: New(stg)}
	s.auth.SetRetryTimeout(500 * time.Millisecond)
	for i := range n {
		l := trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), stg)
		f := &faulty{Trustee: l}
		s.locals = append(s.locals, l)
		s.trustees = append(s.trustees, f)
		s.auth.AddTrustee(f)
	}
	return s
}

func decryptOne(c *qt.C, s *setup, eid []byte, m uint64) (uint64, []int, error) {
	pub, err := s.auth.PublicKey(eid)
	c.Assert(err, qt.IsNil)
	ct, _ := elgamal.NewCiphertext().Encrypt(m, pub, nil)
	d, err := s.auth.ThresholdDecrypt(context.Background(), eid, []*elgamal.Ciphertext{ct}, []byte("test"))
	if err != nil {
		return 0, nil, err
	}
	out, err := elgamal.BabyStepGiantStep(d.Plaintexts[0], 100)
	c.Assert(err, qt.IsNil)
	return out, d.Trustees(), nil
}

func TestGenerateElectionKeysValidation(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	ctx := context.Background()
	for _, tc := range []struct{ k, n int }{{1, 1}, {0, 3}, {4, 3}, {2, 4}} {
		_, err := s.auth.GenerateElectionKeys(ctx, util.RandomBytes(32), tc.k, tc.n)
		c.Assert(err, qt.ErrorIs, ErrInsufficientTrustees, qt.Commentf("k=%d n=%d", tc.k, tc.n))
	}
	eid := util.RandomBytes(32)
	keys, err := s.auth.GenerateElectionKeys(ctx, eid, 2, 3)
	c.Assert(err, qt.IsNil)
	again, err := s.auth.GenerateElectionKeys(ctx, eid, 2, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(again.KeyID, qt.Equals, keys.KeyID)
	_, err = s.auth.GenerateElectionKeys(ctx, eid, 3, 3)
	c.Assert(err, qt.ErrorIs, storage.ErrAlreadyExists)
}

func TestGenerateElectionKeysAfterFailure(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	eid := util.RandomBytes(32)

	// the last trustee refuses to finalize once: the first two already
	// stored shares of a key that is never published
	s.trustees[2].rejectFinalize.Store(1)
	_, err := s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
	c.Assert(err, qt.ErrorMatches, ".*finalize refused.*")
	_, err = s.auth.ElectionKeys(eid)
	c.Assert(err, qt.ErrorIs, ErrKeysNotFound)

	keys, err := s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
	c.Assert(err, qt.IsNil)
	for i, l := range s.locals {
		ks, err := l.KeyShare(eid)
		c.Assert(err, qt.IsNil)
		c.Assert(crypto.PointBytes(ks.PublicKey()), qt.DeepEquals, []byte(keys.PublicKey), qt.Commentf("trustee %d", i+1))
	}
	m, _, err := decryptOne(c, s, eid, 9)
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, uint64(9))
}

func TestGenerateElectionKeysConcurrent(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	eid := util.RandomBytes(32)

	const calls = 4
	var wg sync.WaitGroup
	results := make([]*storage.ElectionKeys, calls)
	errs := make([]error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
		}()
	}
	wg.Wait()
	for i := range calls {
		c.Assert(errs[i], qt.IsNil)
		c.Assert(results[i].KeyID, qt.Equals, results[0].KeyID)
		c.Assert(results[i].PublicKey, qt.DeepEquals, results[0].PublicKey)
	}
	m, _, err := decryptOne(c, s, eid, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, uint64(5))
}

func TestGenerateElectionKeys(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	eid := util.RandomBytes(32)
	keys, err := s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(keys.KeyID, qt.Not(qt.Equals), "")
	c.Assert(keys.Trustees, qt.HasLen, 3)
	c.Assert(keys.Commits, qt.HasLen, 2)

	// each trustee holds exactly its share, consistent with the handles
	for i, l := range s.locals {
		ks, err := l.KeyShare(eid)
		c.Assert(err, qt.IsNil)
		c.Assert(ks.Index, qt.Equals, i+1)
		c.Assert(crypto.PointBytes(ks.PublicShare), qt.DeepEquals, []byte(keys.Trustees[i].PublicShare))
		c.Assert(crypto.PointBytes(ks.PublicKey()), qt.DeepEquals, []byte(keys.PublicKey))
	}

	stored, err := s.auth.ElectionKeys(eid)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.KeyID, qt.Equals, keys.KeyID)
	_, err = s.auth.ElectionKeys(util.RandomBytes(32))
	c.Assert(err, qt.ErrorIs, ErrKeysNotFound)
}

func TestThresholdDecryptAnySubset(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	eid := util.RandomBytes(32)
	_, err := s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
	c.Assert(err, qt.IsNil)

	m, used, err := decryptOne(c, s, eid, 42)
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, uint64(42))
	c.Assert(used, qt.HasLen, 2)

	for off := range 3 {
		s.trustees[off].offline.Store(true)
		m, used, err := decryptOne(c, s, eid, 17)
		c.Assert(err, qt.IsNil)
		c.Assert(m, qt.Equals, uint64(17))
		c.Assert(used, qt.Not(qt.Contains), off+1)
		s.trustees[off].offline.Store(false)
	}

	// two of three offline
	s.trustees[0].offline.Store(true)
	s.trustees[1].offline.Store(true)
	_, _, err = decryptOne(c, s, eid, 1)
	c.Assert(err, qt.ErrorIs, ErrThresholdNotMet)
}

func TestThresholdDecryptRetriesAndRejectsCheaters(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 3)
	s.auth.SetRetryTimeout(3 * time.Second)
	eid := util.RandomBytes(32)
	_, err := s.auth.GenerateElectionKeys(context.Background(), eid, 2, 3)
	c.Assert(err, qt.IsNil)

	// trustee 1 cheats, trustee 2 recovers after two failures
	s.trustees[0].cheating.Store(true)
	s.trustees[1].flaky.Store(2)
	m, used, err := decryptOne(c, s, eid, 9)
	c.Assert(err, qt.IsNil)
	c.Assert(m, qt.Equals, uint64(9))
	c.Assert(used, qt.DeepEquals, []int{2, 3})
	c.Assert(s.trustees[1].calls.Load() >= 3, qt.IsTrue)

	// a cheater and an offline trustee leave one valid partial
	s.auth.SetRetryTimeout(300 * time.Millisecond)
	s.trustees[2].offline.Store(true)
	_, _, err = decryptOne(c, s, eid, 9)
	c.Assert(err, qt.ErrorIs, ErrThresholdNotMet)
}

func TestReconstructDecryptionCapability(t *testing.T) {
	c := qt.New(t)
	s := newSetup(t, 4)
	eid := util.RandomBytes(32)
	keys, err := s.auth.GenerateElectionKeys(context.Background(), eid, 3, 4)
	c.Assert(err, qt.IsNil)
	pub, err := crypto.PointFromBytes(keys.PublicKey)
	c.Assert(err, qt.IsNil)

	shares := make([]*dkg.KeyShare, 4)
	for i, l := range s.locals {
		shares[i], err = l.KeyShare(eid)
		c.Assert(err, qt.IsNil)
	}

	priv, err := s.auth.ReconstructDecryptionCapability(eid, []*dkg.KeyShare{shares[3], shares[0], shares[2]}, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(crypto.Suite.Point().Mul(priv, nil).Equal(pub), qt.IsTrue)

	// k-1 shares, even repeated, are not enough
	_, err = s.auth.ReconstructDecryptionCapability(eid, []*dkg.KeyShare{shares[0], shares[1], shares[1]}, 3)
	c.Assert(err, qt.ErrorIs, ErrThresholdNotMet)

	// a tampered share is rejected
	bad := *shares[2]
	bad.Share = crypto.Suite.Scalar().Add(bad.Share, crypto.Suite.Scalar().One())
	_, err = s.auth.ReconstructDecryptionCapability(eid, []*dkg.KeyShare{shares[0], shares[1], &bad}, 3)
	c.Assert(err, qt.ErrorIs, ErrInvalidShare)
}
