package crypto

import (
	"bytes"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/util"
)

func TestNullifierDeterministic(t *testing.T) {
	c := qt.New(t)
	pepper := util.RandomBytes(32)
	electionID := util.RandomBytes(32)

	secret, err := VoterSecret(pepper, electionID, []byte("voter-1"))
	c.Assert(err, qt.IsNil)
	again, err := VoterSecret(pepper, electionID, []byte("voter-1"))
	c.Assert(err, qt.IsNil)
	c.Assert(secret.Cmp(again), qt.Equals, 0)

	n1, err := Nullifier(secret, electionID)
	c.Assert(err, qt.IsNil)
	n2, err := Nullifier(again, electionID)
	c.Assert(err, qt.IsNil)
	c.Assert(n1, qt.DeepEquals, n2)
	c.Assert(n1, qt.HasLen, SerializedFieldSize)

	// other voter, other election
	other, err := VoterSecret(pepper, electionID, []byte("voter-2"))
	c.Assert(err, qt.IsNil)
	n3, err := Nullifier(other, electionID)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(n1, n3), qt.IsFalse)

	n4, err := Nullifier(secret, util.RandomBytes(32))
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(n1, n4), qt.IsFalse)

	_, err = Nullifier(big.NewInt(0), electionID)
	c.Assert(err, qt.IsNotNil)
}

func TestNullifierCollisions(t *testing.T) {
	c := qt.New(t)
	pepper := util.RandomBytes(32)
	electionID := util.RandomBytes(32)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		secret, err := VoterSecret(pepper, electionID, big.NewInt(int64(i)).Bytes())
		c.Assert(err, qt.IsNil)
		n, err := Nullifier(secret, electionID)
		c.Assert(err, qt.IsNil)
		c.Assert(seen[string(n)], qt.IsFalse)
		seen[string(n)] = true
	}
}

func TestCommitment(t *testing.T) {
	c := qt.New(t)
	a, err := Commitment([]byte("election"), []byte("nullifier"), util.RandomBytes(100))
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.HasLen, 32)

	b1, err := Commitment([]byte("ab"), []byte("c"))
	c.Assert(err, qt.IsNil)
	b2, err := Commitment([]byte("a"), []byte("bc"))
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(b1, b2), qt.IsFalse)

	b3, err := Commitment([]byte("ab"), []byte("c"))
	c.Assert(err, qt.IsNil)
	c.Assert(b3, qt.DeepEquals, b1)
}

func TestPointEncoding(t *testing.T) {
	c := qt.New(t)
	p := Suite.Point().Pick(Suite.RandomStream())
	decoded, err := PointFromBytes(PointBytes(p))
	c.Assert(err, qt.IsNil)
	c.Assert(decoded.Equal(p), qt.IsTrue)

	_, err = PointFromBytes([]byte{1, 2, 3})
	c.Assert(err, qt.IsNotNil)

	s := Suite.Scalar().Pick(Suite.RandomStream())
	ds, err := ScalarFromBytes(ScalarBytes(s))
	c.Assert(err, qt.IsNil)
	c.Assert(ds.Equal(s), qt.IsTrue)
}
