package ballot

import (
	"context"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/util"
)

func TestEncryptVerify(t *testing.T) {
	c := qt.New(t)
	pub, priv := elgamal.GenerateKey()
	eid := util.RandomBytes(32)

	for choice := range 3 {
		b, err := Encrypt(pub, 3, choice, big.NewInt(int64(1000+choice)), eid)
		c.Assert(err, qt.IsNil)
		c.Assert(Verify(pub, eid, 3, b), qt.IsNil)
		for j, ct := range b.Ciphertexts {
			_, m, err := elgamal.Decrypt(priv, ct.C1, ct.C2, 1)
			c.Assert(err, qt.IsNil)
			if j == choice {
				c.Assert(m, qt.Equals, uint64(1))
			} else {
				c.Assert(m, qt.Equals, uint64(0))
			}
		}
	}
}

func TestEncryptInvalidSelection(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	eid := util.RandomBytes(32)
	_, err := Encrypt(pub, 3, 3, big.NewInt(1), eid)
	c.Assert(err, qt.ErrorIs, ErrInvalidSelection)
	_, err = Encrypt(pub, 3, -1, big.NewInt(1), eid)
	c.Assert(err, qt.ErrorIs, ErrInvalidSelection)
	_, err = Encrypt(pub, 1, 0, big.NewInt(1), eid)
	c.Assert(err, qt.ErrorIs, ErrInvalidSelection)
	_, err = Encrypt(pub, 3, 0, nil, eid)
	c.Assert(err, qt.ErrorIs, ErrProofConstructionFailed)
}

func TestNullifierIsPerVoterAndElection(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	eid := util.RandomBytes(32)
	secret := big.NewInt(42)
	b1, err := Encrypt(pub, 2, 0, secret, eid)
	c.Assert(err, qt.IsNil)
	b2, err := Encrypt(pub, 2, 1, secret, eid)
	c.Assert(err, qt.IsNil)
	c.Assert(b1.Nullifier, qt.DeepEquals, b2.Nullifier)
	// randomized encryption
	c.Assert(b1.Commitment, qt.Not(qt.DeepEquals), b2.Commitment)

	b3, err := Encrypt(pub, 2, 0, secret, util.RandomBytes(32))
	c.Assert(err, qt.IsNil)
	c.Assert(b3.Nullifier, qt.Not(qt.DeepEquals), b1.Nullifier)
}

func TestVerifyRejectsTampering(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	eid := util.RandomBytes(32)
	b, err := Encrypt(pub, 3, 1, big.NewInt(7), eid)
	c.Assert(err, qt.IsNil)

	// other election
	c.Assert(Verify(pub, util.RandomBytes(32), 3, b), qt.ErrorIs, ErrInvalidProof)
	// wrong candidate count
	c.Assert(Verify(pub, eid, 4, b), qt.ErrorIs, ErrInvalidProof)

	// proof replayed with another nullifier
	replay := *b
	replay.Nullifier = util.RandomBytes(32)
	c.Assert(Verify(pub, eid, 3, &replay), qt.ErrorIs, ErrInvalidProof)

	// swapped ciphertexts keep the proof structure but not the binding
	swapped := *b
	swapped.Ciphertexts = b.Ciphertexts.Copy()
	swapped.Ciphertexts[0], swapped.Ciphertexts[1] = swapped.Ciphertexts[1], swapped.Ciphertexts[0]
	c.Assert(Verify(pub, eid, 3, &swapped), qt.ErrorIs, ErrInvalidProof)

	// forged commitment
	forged := *b
	forged.Commitment = util.RandomBytes(32)
	c.Assert(Verify(pub, eid, 3, &forged), qt.ErrorIs, ErrInvalidProof)
}

func TestVerifyBatch(t *testing.T) {
	c := qt.New(t)
	pub, _ := elgamal.GenerateKey()
	eid := util.RandomBytes(32)
	ballots := make([]*Encrypted, 12)
	for i := range ballots {
		b, err := Encrypt(pub, 2, i%2, big.NewInt(int64(i+1)), eid)
		c.Assert(err, qt.IsNil)
		ballots[i] = b
	}
	bad := *ballots[5]
	bad.Proof = append([]byte{}, bad.Proof...)
	bad.Proof[0] ^= 0xff
	ballots[5] = &bad

	results, err := VerifyBatch(context.Background(), pub, eid, 2, ballots)
	c.Assert(err, qt.IsNil)
	for i, r := range results {
		if i == 5 {
			c.Assert(r, qt.ErrorIs, ErrInvalidProof)
			continue
		}
		c.Assert(r, qt.IsNil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = VerifyBatch(ctx, pub, eid, 2, ballots)
	c.Assert(err, qt.ErrorIs, context.Canceled)
}
