package mixnet

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/crypto/shuffle"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
	"go.dedis.ch/kyber/v3"
	"go.vocdoni.io/dvote/db/metadb"
)

const candidates = 3

type testElection struct {
	stg  *storage.Storage
	e    *types.Election
	priv kyber.Scalar
	pub  kyber.Point
}

func newTestElection(c *qt.C, checkpoint, stages int) *testElection {
	stg := storage.New(metadb.NewTest(c))
	pub, priv := elgamal.GenerateKey()
	e := &types.Election{
		ID:             util.RandomBytes(types.ElectionIDLen),
		Title:          "mix",
		Status:         types.ElectionStatusActive,
		PublicKey:      crypto.PointBytes(pub),
		CheckpointSize: checkpoint,
		MixStages:      stages,
		CreatedAt:      time.Now(),
	}
	for i := range candidates {
		e.Candidates = append(e.Candidates, types.Candidate{ID: fmt.Sprintf("c%d", i)})
	}
	c.Assert(stg.NewElection(e), qt.IsNil)
	return &testElection{stg: stg, e: e, priv: priv, pub: pub}
}

// vote accepts one ballot per choice.
func (te *testElection) vote(c *qt.C, choices ...int) {
	for _, choice := range choices {
		secret := new(big.Int).SetBytes(util.RandomBytes(16))
		enc, err := ballot.Encrypt(te.pub, candidates, choice, secret, te.e.ID)
		c.Assert(err, qt.IsNil)
		te.accept(c, &storage.Ballot{
			ElectionID:  te.e.ID,
			Ciphertexts: enc.Ciphertexts,
			Proof:       enc.Proof,
			Nullifier:   enc.Nullifier,
			Commitment:  enc.Commitment,
			ReceivedAt:  time.Now(),
		})
	}
}

func (te *testElection) accept(c *qt.C, b *storage.Ballot) {
	_, err := te.stg.AcceptBallot(b, &types.Receipt{
		VerificationCode: util.RandomHex(types.VerificationCodeLen),
		ElectionID:       te.e.ID,
		Nullifier:        b.Nullifier,
	})
	c.Assert(err, qt.IsNil)
}

func (te *testElection) close(c *qt.C) {
	_, err := te.stg.SetElectionStatus(te.e.ID, types.ElectionStatusClosed)
	c.Assert(err, qt.IsNil)
}

func (te *testElection) count(c *qt.C, ballots []elgamal.Ballot) []uint64 {
	out := make([]uint64, candidates)
	for _, b := range ballots {
		for j, ct := range b {
			_, m, err := elgamal.Decrypt(te.priv, ct.C1, ct.C2, 1)
			c.Assert(err, qt.IsNil)
			out[j] += m
		}
	}
	return out
}

func cheatingMixer(calls *atomic.Int32, honestAfter int32) Mixer {
	return func(pub kyber.Point, in []elgamal.Ballot, context []byte) ([]elgamal.Ballot, []byte, error) {
		out, prf, err := shuffle.Shuffle(pub, in, context)
		if err != nil {
			return nil, nil, err
		}
		if calls.Add(1) > honestAfter {
			return out, prf, nil
		}
		// swap a ballot for a fresh vote
		forged := elgamal.NewBallot(len(in[0]))
		msg := make([]uint64, len(in[0]))
		msg[0] = 1
		if _, err := forged.Encrypt(msg, pub); err != nil {
			return nil, nil, err
		}
		out[0] = forged
		return out, prf, nil
	}
}

func TestCutBatches(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 4, 1)
	m := New(te.stg)

	te.vote(c, 0, 1, 2, 0, 1, 2, 0, 1, 2, 0)
	n, err := m.CutBatches(te.e.ID, false)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	_, err = m.CutBatches(te.e.ID, true)
	c.Assert(err, qt.IsNotNil)

	te.close(c)
	n, err = m.CutBatches(te.e.ID, true)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
	n, err = m.CutBatches(te.e.ID, true)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)

	batches, err := te.stg.MixBatches(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(batches, qt.HasLen, 3)
	c.Assert(batches[2].Final, qt.IsTrue)
	c.Assert(batches[2].FirstSeq, qt.Equals, uint64(8))
	c.Assert(batches[2].LastSeq, qt.Equals, uint64(10))
}

func TestProcess(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 2, 2)
	m := New(te.stg)
	ctx := context.Background()

	te.vote(c, 0, 2, 2, 1, 2)
	status, err := m.Process(ctx, te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, StatusPending)

	te.close(c)
	status, err = m.Process(ctx, te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, StatusCompleted)

	outputs, err := m.FinalOutputs(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(outputs, qt.HasLen, 3)
	var all []elgamal.Ballot
	for _, sb := range outputs {
		c.Assert(sb.Stage, qt.Equals, uint8(1))
		all = append(all, sb.Ballots...)
	}
	// the last batch holds a single ballot and one padding ballot
	c.Assert(outputs[2].BallotCount, qt.Equals, 1)
	c.Assert(outputs[2].Padding, qt.Equals, 1)
	c.Assert(all, qt.HasLen, 6)
	c.Assert(te.count(c, all), qt.DeepEquals, []uint64{1, 1, 3})

	c.Assert(m.Verify(ctx, te.e.ID), qt.IsNil)

	// running it again changes nothing
	status, err = m.Process(ctx, te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, StatusCompleted)
	again, err := m.FinalOutputs(te.e.ID)
	c.Assert(err, qt.IsNil)
	for i := range again {
		c.Assert(again[i].Proof, qt.DeepEquals, outputs[i].Proof)
	}
}

func TestProcessEmptyElection(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 2, 2)
	m := New(te.stg)
	te.close(c)
	status, err := m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, StatusCompleted)
	outputs, err := m.FinalOutputs(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(outputs, qt.HasLen, 0)
}

func TestInvalidStageIsRebuilt(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 10, 2)
	m := New(te.stg)
	var calls atomic.Int32
	// stage 1 of the first attempt cheats
	m.SetMixers(shuffle.Shuffle, cheatingMixer(&calls, 1))

	te.vote(c, 0, 1, 1)
	te.close(c)
	status, err := m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(status, qt.Equals, StatusCompleted)

	batches, err := te.stg.MixBatches(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(batches, qt.HasLen, 1)
	c.Assert(batches[0].Attempts, qt.Equals, 1)
	c.Assert(m.Verify(context.Background(), te.e.ID), qt.IsNil)

	outputs, err := m.FinalOutputs(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(te.count(c, outputs[0].Ballots), qt.DeepEquals, []uint64{1, 2, 0})
	records, err := te.stg.AuditRecords(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 0)
}

func TestRepeatedInvalidStageHalts(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 10, 1)
	m := New(te.stg)
	var calls atomic.Int32
	m.SetMixers(cheatingMixer(&calls, 1000))
	m.SetMaxAttempts(2)

	te.vote(c, 0, 1)
	te.close(c)
	_, err := m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.ErrorIs, ErrElectionHalted)
	c.Assert(err, qt.ErrorIs, ErrShuffleProofInvalid)
	c.Assert(calls.Load(), qt.Equals, int32(2))

	e, err := te.stg.Election(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(e.Status, qt.Equals, types.ElectionStatusHalted)
	records, err := te.stg.AuditRecords(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 1)
	c.Assert(records[0].Kind, qt.Equals, types.AuditShuffleProofInvalid)

	// nothing of the failed attempts was kept
	_, err = te.stg.ShuffledBatch(te.e.ID, 0, 0)
	c.Assert(err, qt.ErrorIs, storage.ErrNotFound)
	_, err = m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.ErrorIs, ErrElectionHalted)
}

func TestVerifyDetectsTampering(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 10, 2)
	m := New(te.stg)
	te.vote(c, 0, 1, 2)
	te.close(c)
	_, err := m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.IsNil)

	sb, err := te.stg.ShuffledBatch(te.e.ID, 0, 1)
	c.Assert(err, qt.IsNil)
	forged := elgamal.NewBallot(candidates)
	_, err = forged.Encrypt([]uint64{1, 0, 0}, te.pub)
	c.Assert(err, qt.IsNil)
	sb.Ballots[0] = forged
	c.Assert(te.stg.SetShuffledBatch(sb), qt.IsNil)

	err = m.Verify(context.Background(), te.e.ID)
	c.Assert(err, qt.ErrorIs, ErrShuffleProofInvalid)
}

func TestPaddingBallot(t *testing.T) {
	c := qt.New(t)
	pub, priv := elgamal.GenerateKey()
	pb := PaddingBallot(pub, candidates)
	c.Assert(isPadding(pub, pb, candidates), qt.IsTrue)
	for _, ct := range pb {
		_, m, err := elgamal.Decrypt(priv, ct.C1, ct.C2, 1)
		c.Assert(err, qt.IsNil)
		c.Assert(m, qt.Equals, uint64(0))
	}
	other := elgamal.NewBallot(candidates)
	_, err := other.Encrypt(make([]uint64, candidates), pub)
	c.Assert(err, qt.IsNil)
	c.Assert(isPadding(pub, other, candidates), qt.IsFalse)
}

func TestUnprovenBallotHalts(t *testing.T) {
	c := qt.New(t)
	te := newTestElection(c, 10, 1)
	m := New(te.stg)
	te.vote(c, 0, 1)

	// a ballot encrypting two votes, stored without a valid proof
	cts := elgamal.NewBallot(candidates)
	_, err := cts.Encrypt([]uint64{2, 0, 0}, te.pub)
	c.Assert(err, qt.IsNil)
	nullifier := util.RandomBytes(32)
	commitment, err := ballot.Commitment(te.e.ID, nullifier, cts)
	c.Assert(err, qt.IsNil)
	te.accept(c, &storage.Ballot{
		ElectionID:  te.e.ID,
		Ciphertexts: cts,
		Proof:       util.RandomBytes(64),
		Nullifier:   nullifier,
		Commitment:  commitment,
		ReceivedAt:  time.Now(),
	})
	te.close(c)

	_, err = m.Process(context.Background(), te.e.ID)
	c.Assert(err, qt.ErrorIs, ErrElectionHalted)
	c.Assert(err, qt.ErrorIs, ballot.ErrInvalidProof)
	c.Assert(err, qt.Not(qt.ErrorIs), ErrShuffleProofInvalid)

	e, err := te.stg.Election(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(e.Status, qt.Equals, types.ElectionStatusHalted)
	records, err := te.stg.AuditRecords(te.e.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 1)
	c.Assert(records[0].Kind, qt.Equals, types.AuditBallotInvalid)
	_, err = te.stg.ShuffledBatch(te.e.ID, 0, 0)
	c.Assert(err, qt.ErrorIs, storage.ErrNotFound)
}
