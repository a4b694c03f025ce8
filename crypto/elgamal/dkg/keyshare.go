package dkg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

// KeyShare is the outcome of the DKG for one trustee: its private share of
// the election key, the matching public share and the commitments of the
// aggregated public polynomial, which let anyone derive the public share of
// any index.
type KeyShare struct {
	Index       int
	Share       kyber.Scalar
	PublicShare kyber.Point
	Commits     []kyber.Point
}

type keyShareCBOR struct {
	Index       int              `cbor:"0,keyasint,omitempty"`
	Share       []byte           `cbor:"1,keyasint,omitempty"`
	PublicShare []byte           `cbor:"2,keyasint,omitempty"`
	Commits     []types.HexBytes `cbor:"3,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (ks *KeyShare) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(keyShareCBOR{
		Index:       ks.Index,
		Share:       crypto.ScalarBytes(ks.Share),
		PublicShare: crypto.PointBytes(ks.PublicShare),
		Commits:     EncodePoints(ks.Commits),
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (ks *KeyShare) UnmarshalCBOR(data []byte) error {
	var kc keyShareCBOR
	if err := cbor.Unmarshal(data, &kc); err != nil {
		return err
	}
	s, err := crypto.ScalarFromBytes(kc.Share)
	if err != nil {
		return fmt.Errorf("share: %w", err)
	}
	pub, err := crypto.PointFromBytes(kc.PublicShare)
	if err != nil {
		return fmt.Errorf("public share: %w", err)
	}
	commits, err := DecodePoints(kc.Commits)
	if err != nil {
		return fmt.Errorf("commits: %w", err)
	}
	ks.Index, ks.Share, ks.PublicShare, ks.Commits = kc.Index, s, pub, commits
	return nil
}

// PublicKey returns the election public key, the constant term commitment.
func (ks *KeyShare) PublicKey() kyber.Point {
	return share.NewPubPoly(crypto.Suite, nil, ks.Commits).Commit()
}

// Verify checks the share against the public polynomial commitments.
func (ks *KeyShare) Verify() error {
	return VerifyShare(ks.Commits, ks.Index, ks.Share)
}

// VerifyShare checks that s is the evaluation at index of the polynomial
// committed to by commits.
func VerifyShare(commits []kyber.Point, index int, s kyber.Scalar) error {
	if index < 1 || s == nil {
		return fmt.Errorf("%w: index %d", ErrInvalidShare, index)
	}
	pub := share.NewPubPoly(crypto.Suite, nil, commits)
	if !pub.Check(&share.PriShare{I: index - 1, V: s}) {
		return fmt.Errorf("%w: index %d", ErrInvalidShare, index)
	}
	return nil
}

// PublicShareAt returns the public share X_i = x_i*G of the trustee with the
// given 1-based index.
func PublicShareAt(commits []kyber.Point, index int) kyber.Point {
	return share.NewPubPoly(crypto.Suite, nil, commits).Eval(index - 1).V
}

// Reconstruct recovers the election private key from at least threshold
// shares. Shares that fail verification against commits are rejected.
func Reconstruct(commits []kyber.Point, shares map[int]kyber.Scalar, threshold int) (kyber.Scalar, error) {
	pri := make([]*share.PriShare, 0, len(shares))
	maxIndex := 0
	for index, s := range shares {
		if err := VerifyShare(commits, index, s); err != nil {
			return nil, err
		}
		pri = append(pri, &share.PriShare{I: index - 1, V: s})
		maxIndex = max(maxIndex, index)
	}
	if len(pri) < threshold {
		return nil, fmt.Errorf("%w: %d shares, need %d", ErrThresholdNotMet, len(pri), threshold)
	}
	secret, err := share.RecoverSecret(crypto.Suite, pri, threshold, maxIndex)
	if err != nil {
		return nil, fmt.Errorf("recover secret: %w", err)
	}
	if !crypto.Suite.Point().Mul(secret, nil).Equal(share.NewPubPoly(crypto.Suite, nil, commits).Commit()) {
		return nil, fmt.Errorf("%w: recovered key does not match the public key", ErrInvalidShare)
	}
	return secret, nil
}

// DealLocal runs a whole DKG among n local participants and returns their key
// shares. It is used when all trustees live in the same process.
func DealLocal(threshold, n int) ([]*KeyShare, error) {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	participants := make([]*Participant, n)
	for i, id := range ids {
		p, err := NewParticipant(id, threshold, ids)
		if err != nil {
			return nil, err
		}
		p.GenerateSecretPolynomial()
		p.ComputeShares()
		participants[i] = p
	}
	for _, p := range participants {
		for _, other := range participants {
			if other.ID == p.ID {
				continue
			}
			if err := p.ReceiveShare(other.ID, other.SecretShares[p.ID], other.Commitments()); err != nil {
				return nil, err
			}
		}
	}
	out := make([]*KeyShare, n)
	for i, p := range participants {
		if err := p.AggregateShares(); err != nil {
			return nil, err
		}
		if err := p.AggregatePublicKey(); err != nil {
			return nil, err
		}
		ks, err := p.KeyShare()
		if err != nil {
			return nil, err
		}
		out[i] = ks
	}
	return out, nil
}
