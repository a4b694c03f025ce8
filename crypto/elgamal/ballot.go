package elgamal

import (
	"bytes"
	"fmt"

	"go.dedis.ch/kyber/v3"
)

// Ballot is the vector of ciphertexts of a one-hot ballot, one per candidate.
type Ballot []*Ciphertext

// NewBallot returns a ballot of n zero ciphertexts.
func NewBallot(n int) Ballot {
	b := make(Ballot, n)
	for i := range b {
		b[i] = NewCiphertext()
	}
	return b
}

// Encrypt encrypts every field of the message vector with fresh randomness.
// It returns the randomness used per field.
func (b Ballot) Encrypt(message []uint64, publicKey kyber.Point) ([]kyber.Scalar, error) {
	if len(message) != len(b) {
		return nil, fmt.Errorf("message has %d fields, ballot has %d", len(message), len(b))
	}
	ks := make([]kyber.Scalar, len(b))
	for i := range b {
		_, ks[i] = b[i].Encrypt(message[i], publicKey, nil)
	}
	return ks, nil
}

// Add adds two ballots field by field into the receiver.
func (b Ballot) Add(x, y Ballot) (Ballot, error) {
	if len(x) != len(b) || len(y) != len(b) {
		return nil, fmt.Errorf("ballot length mismatch")
	}
	for i := range b {
		b[i].Add(x[i], y[i])
	}
	return b, nil
}

// Copy returns a deep copy of the ballot.
func (b Ballot) Copy() Ballot {
	c := make(Ballot, len(b))
	for i := range b {
		c[i] = new(Ciphertext).Set(b[i])
	}
	return c
}

// Serialize concatenates the serialized ciphertexts.
func (b Ballot) Serialize() []byte {
	var buf bytes.Buffer
	for _, z := range b {
		buf.Write(z.Serialize())
	}
	return buf.Bytes()
}

// DeserializeBallot decodes a ballot of the given number of fields.
func DeserializeBallot(data []byte, fields int) (Ballot, error) {
	size := SizeCiphertext()
	if len(data) != fields*size {
		return nil, fmt.Errorf("invalid ballot length: got %d bytes, expected %d bytes", len(data), fields*size)
	}
	b := make(Ballot, fields)
	for i := range b {
		b[i] = &Ciphertext{}
		if err := b[i].Deserialize(data[i*size : (i+1)*size]); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return b, nil
}

// Points splits the ballot into its C1 and C2 components.
func (b Ballot) Points() (c1s, c2s []kyber.Point) {
	c1s = make([]kyber.Point, len(b))
	c2s = make([]kyber.Point, len(b))
	for i, z := range b {
		c1s[i], c2s[i] = z.C1, z.C2
	}
	return c1s, c2s
}
