package shuffle

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"go.dedis.ch/kyber/v3"
)

// encryptBatch returns n ballots of two fields, ballot i carries i in its
// first field.
func encryptBatch(c *qt.C, pub kyber.Point, n int) []elgamal.Ballot {
	in := make([]elgamal.Ballot, n)
	for i := range in {
		in[i] = elgamal.NewBallot(2)
		_, err := in[i].Encrypt([]uint64{uint64(i), 1}, pub)
		c.Assert(err, qt.IsNil)
	}
	return in
}

func decryptFirst(c *qt.C, priv kyber.Scalar, batch []elgamal.Ballot, maxMessage uint64) []uint64 {
	out := make([]uint64, len(batch))
	for i, b := range batch {
		_, m, err := elgamal.Decrypt(priv, b[0].C1, b[0].C2, maxMessage)
		c.Assert(err, qt.IsNil)
		out[i] = m
	}
	return out
}

func TestShuffleVerify(t *testing.T) {
	c := qt.New(t)
	pub, priv := elgamal.GenerateKey()
	in := encryptBatch(c, pub, 10)
	ctx := []byte("election/batch-0/stage-0")

	out, prf, err := Shuffle(pub, in, ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.HasLen, len(in))
	c.Assert(Verify(pub, in, out, ctx, prf), qt.IsNil)

	// same multiset of plaintexts
	seen := make(map[uint64]bool)
	for _, m := range decryptFirst(c, priv, out, 10) {
		seen[m] = true
	}
	c.Assert(seen, qt.HasLen, 10)

	// every output ciphertext is re-randomized
	for _, o := range out {
		for _, i := range in {
			c.Assert(o[0].Equal(i[0]), qt.IsFalse)
		}
	}

	// second field unchanged in every ballot
	for _, o := range out {
		_, m, err := elgamal.Decrypt(priv, o[1].C1, o[1].C2, 2)
		c.Assert(err, qt.IsNil)
		c.Assert(m, qt.Equals, uint64(1))
	}
}

func TestShuffleTampered(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	in := encryptBatch(c, pub, 4)
	ctx := []byte("ctx")

	out, prf, err := Shuffle(pub, in, ctx)
	c.Assert(err, qt.IsNil)

	// wrong context
	c.Assert(Verify(pub, in, out, []byte("other"), prf), qt.ErrorIs, ErrInvalidProof)

	// replaced ballot
	tampered := make([]elgamal.Ballot, len(out))
	copy(tampered, out)
	tampered[2] = elgamal.NewBallot(2)
	_, err = tampered[2].Encrypt([]uint64{7, 1}, pub)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, in, tampered, ctx, prf), qt.ErrorIs, ErrInvalidProof)

	// dropped ballot
	c.Assert(Verify(pub, in, out[:3], ctx, prf), qt.ErrorIs, ErrInvalidProof)

	// corrupted proof
	bad := append([]byte{}, prf...)
	bad[len(bad)/2] ^= 0xff
	c.Assert(Verify(pub, in, out, ctx, bad), qt.ErrorIs, ErrInvalidProof)
}

func TestShuffleInvalidInput(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	_, _, err := Shuffle(pub, encryptBatch(c, pub, 1), nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidInput)

	in := encryptBatch(c, pub, 3)
	in[1] = elgamal.NewBallot(3)
	_, _, err = Shuffle(pub, in, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidInput)
}

// TestUnlinkability checks that the position of a ballot after the shuffle
// cannot be guessed better than at random: over many trials, guessing that
// ballot 0 stays in place succeeds about 1/n of the time.
func TestUnlinkability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping statistical test in short mode")
	}
	c := qt.New(t)
	const (
		n      = 4
		trials = 120
	)
	pub, priv := elgamal.GenerateKey()
	hits := 0
	positions := make([]int, n)
	for range trials {
		in := encryptBatch(c, pub, n)
		out, _, err := Shuffle(pub, in, nil)
		c.Assert(err, qt.IsNil)
		for pos, m := range decryptFirst(c, priv, out, n) {
			if m == 0 {
				positions[pos]++
				if pos == 0 {
					hits++
				}
			}
		}
	}
	// expected trials/n = 30; bounds are far outside any plausible deviation
	c.Assert(hits > 8 && hits < 60, qt.IsTrue, qt.Commentf("hits=%d", hits))
	for pos, count := range positions {
		c.Assert(count > 0, qt.IsTrue, qt.Commentf("ballot 0 never landed on position %d", pos))
	}
}

// TestFirstPositionDistribution checks that the first output slot is filled
// by every input ballot, and by input 0 only about 1/n of the time.
func TestFirstPositionDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping statistical test in short mode")
	}
	c := qt.New(t)
	const (
		n      = 3
		trials = 90
	)
	pub, priv := elgamal.GenerateKey()
	first := make([]int, n)
	for range trials {
		out, prf, err := Shuffle(pub, encryptBatch(c, pub, n), []byte("ctx"))
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.HasLen, n)
		c.Assert(prf, qt.Not(qt.HasLen), 0)
		first[decryptFirst(c, priv, out[:1], n)[0]]++
	}
	for m, count := range first {
		c.Assert(count > 0, qt.IsTrue, qt.Commentf("ballot %d never came first", m))
	}
	// expected trials/n = 30
	c.Assert(first[0] < 60, qt.IsTrue, qt.Commentf("ballot 0 came first %d times", first[0]))
}

func TestShuffleTamperedAnchor(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	in := encryptBatch(c, pub, 3)
	ctx := []byte("ctx")

	out, prf, err := Shuffle(pub, in, ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, in, out, ctx, prf), qt.IsNil)

	var bundle proofBundle
	c.Assert(cbor.Unmarshal(prf, &bundle), qt.IsNil)
	c.Assert(bundle.Anchor, qt.HasLen, 2)

	// a real ballot swapped into the anchor slot
	swapped := bundle
	swapped.Anchor = out[0]
	raw, err := cbor.Marshal(swapped)
	c.Assert(err, qt.IsNil)
	moved := []elgamal.Ballot{bundle.Anchor, out[1], out[2]}
	c.Assert(Verify(pub, in, moved, ctx, raw), qt.ErrorIs, ErrInvalidProof)

	// anchor with a missing field
	short := bundle
	short.Anchor = bundle.Anchor[:1]
	raw, err = cbor.Marshal(short)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, in, out, ctx, raw), qt.ErrorIs, ErrInvalidProof)
}
