package ballotproof

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"go.dedis.ch/kyber/v3"
)

func oneHot(n, choice int) []uint64 {
	m := make([]uint64, n)
	m[choice] = 1
	return m
}

func TestProveVerify(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	ctx := Context([]byte("election"), []byte("nullifier"))

	for _, n := range []int{2, 3, 4, 5} {
		for choice := range n {
			b := elgamal.NewBallot(n)
			ks, err := b.Encrypt(oneHot(n, choice), pub)
			c.Assert(err, qt.IsNil)
			prf, err := Prove(pub, b, ks, choice, ctx)
			c.Assert(err, qt.IsNil)
			c.Assert(Verify(pub, b, ctx, prf), qt.IsNil, qt.Commentf("n=%d choice=%d", n, choice))
		}
	}
}

func TestRejectsReplayAndTampering(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	ctx := Context([]byte("election"), []byte("nullifier"))

	b := elgamal.NewBallot(3)
	ks, err := b.Encrypt(oneHot(3, 1), pub)
	c.Assert(err, qt.IsNil)
	prf, err := Prove(pub, b, ks, 1, ctx)
	c.Assert(err, qt.IsNil)

	// other nullifier
	other := Context([]byte("election"), []byte("nullifier2"))
	c.Assert(Verify(pub, b, other, prf), qt.ErrorIs, ErrInvalidProof)

	// other key
	pub2, _ := elgamal.GenerateKey()
	c.Assert(Verify(pub2, b, ctx, prf), qt.ErrorIs, ErrInvalidProof)

	// re-randomized field
	tampered := b.Copy()
	tampered[0] = new(elgamal.Ciphertext).ReEncrypt(b[0], pub, nil)
	c.Assert(Verify(pub, tampered, ctx, prf), qt.ErrorIs, ErrInvalidProof)

	// truncated proof
	c.Assert(Verify(pub, b, ctx, prf[:len(prf)/2]), qt.ErrorIs, ErrInvalidProof)
}

func TestRejectsNonOneHot(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	ctx := Context([]byte("election"), []byte("nullifier"))

	for _, msg := range [][]uint64{{1, 1, 0}, {0, 0, 0}, {2, 0, 0}} {
		b := elgamal.NewBallot(3)
		ks, err := b.Encrypt(msg, pub)
		c.Assert(err, qt.IsNil)
		// the prover claims the first field carries the vote
		prf, err := Prove(pub, b, ks, 0, ctx)
		if err != nil {
			continue
		}
		c.Assert(Verify(pub, b, ctx, prf), qt.ErrorIs, ErrInvalidProof, qt.Commentf("message %v", msg))
	}
}

func TestInvalidStatement(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	b := elgamal.NewBallot(2)
	ks, err := b.Encrypt(oneHot(2, 0), pub)
	c.Assert(err, qt.IsNil)

	_, err = Prove(pub, b, ks, 2, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidStatement)
	_, err = Prove(pub, b, []kyber.Scalar{ks[0]}, 0, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidStatement)
	c.Assert(Verify(pub, b[:1], nil, nil), qt.ErrorIs, ErrInvalidProof)
}

func TestRejectsReorderedFieldProofs(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	ctx := Context([]byte("election"), []byte("nullifier"))

	b := elgamal.NewBallot(3)
	ks, err := b.Encrypt(oneHot(3, 2), pub)
	c.Assert(err, qt.IsNil)
	prf, err := Prove(pub, b, ks, 2, ctx)
	c.Assert(err, qt.IsNil)

	var bd bundle
	c.Assert(cbor.Unmarshal(prf, &bd), qt.IsNil)
	c.Assert(bd.Fields, qt.HasLen, 3)

	// swap fields and their proofs together: each field proof is bound to its index
	swapped := elgamal.Ballot{b[1], b[0], b[2]}
	bd.Fields[0], bd.Fields[1] = bd.Fields[1], bd.Fields[0]
	raw, err := cbor.Marshal(bd)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, swapped, ctx, raw), qt.ErrorIs, ErrInvalidProof)

	// missing field proof
	bd.Fields = bd.Fields[:2]
	raw, err = cbor.Marshal(bd)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, b, ctx, raw), qt.ErrorIs, ErrInvalidProof)

	// a proof for a shorter ballot does not cover a longer one
	short := elgamal.NewBallot(2)
	sks, err := short.Encrypt(oneHot(2, 0), pub)
	c.Assert(err, qt.IsNil)
	sprf, err := Prove(pub, short, sks, 0, ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(Verify(pub, b, ctx, sprf), qt.ErrorIs, ErrInvalidProof)
}
