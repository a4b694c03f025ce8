// Package crypto holds the group suite shared by every cryptographic component
// of the backend and the hash constructions used for nullifiers, commitments
// and voter secrets.
package crypto

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
)

// Suite is the prime order group used for ballots, shuffles, threshold keys
// and sigma proofs. It also provides the XOF and hash used by Fiat-Shamir.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// PointLen and ScalarLen are the marshaled sizes of group elements.
var (
	PointLen  = Suite.PointLen()
	ScalarLen = Suite.ScalarLen()
)

// PointFromBytes decodes a marshaled group element.
func PointFromBytes(b []byte) (kyber.Point, error) {
	if len(b) != PointLen {
		return nil, fmt.Errorf("invalid point length %d, expected %d", len(b), PointLen)
	}
	p := Suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid point: %w", err)
	}
	return p, nil
}

// PointBytes marshals a group element. Points of the suite never fail to
// marshal, so an error here is a programming error.
func PointBytes(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("cannot marshal point: %v", err))
	}
	return b
}

// ScalarFromBytes decodes a marshaled scalar.
func ScalarFromBytes(b []byte) (kyber.Scalar, error) {
	if len(b) != ScalarLen {
		return nil, fmt.Errorf("invalid scalar length %d, expected %d", len(b), ScalarLen)
	}
	s := Suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid scalar: %w", err)
	}
	return s, nil
}

// ScalarBytes marshals a scalar.
func ScalarBytes(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("cannot marshal scalar: %v", err))
	}
	return b
}
