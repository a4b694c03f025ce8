// Package dkg implements a joint-Feldman distributed key generation for
// threshold ElGamal. Every participant deals a random polynomial of degree
// threshold-1; the election key is the sum of all constant terms and every
// participant ends up with one share of it. Any threshold shares decrypt,
// fewer reveal nothing.
package dkg

import (
	"errors"
	"fmt"
	"slices"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"go.dedis.ch/kyber/v3/share"
)

var (
	// ErrInvalidShare is returned when a share does not match the public
	// polynomial commitments of its dealer.
	ErrInvalidShare = errors.New("invalid share")
	// ErrThresholdNotMet is returned when fewer than threshold shares or
	// partial decryptions are available.
	ErrThresholdNotMet = errors.New("threshold not met")
	// ErrMissingDeals is returned when a participant aggregates before
	// receiving every deal.
	ErrMissingDeals = errors.New("missing deals")
)

// Participant represents a participant in the DKG protocol. IDs are 1-based,
// the polynomial of every participant is evaluated at x = ID.
type Participant struct {
	ID           int
	Threshold    int
	Participants []int

	poly            *share.PriPoly
	PublicCoeffs    *share.PubPoly
	SecretShares    map[int]kyber.Scalar
	ReceivedShares  map[int]kyber.Scalar
	receivedCommits map[int]*share.PubPoly

	PrivateShare kyber.Scalar
	PublicPoly   *share.PubPoly
	PublicKey    kyber.Point
}

// Deal carries the sealed share a dealer computed for one recipient, plus
// the dealer's public polynomial commitments.
type Deal struct {
	Dealer    int              `json:"dealer"    cbor:"0,keyasint,omitempty"`
	Recipient int              `json:"recipient" cbor:"1,keyasint,omitempty"`
	Sealed    types.HexBytes   `json:"sealed"    cbor:"2,keyasint,omitempty"`
	Commits   []types.HexBytes `json:"commits"   cbor:"3,keyasint,omitempty"`
}

// NewParticipant initializes a new participant.
func NewParticipant(id, threshold int, participants []int) (*Participant, error) {
	if threshold < 1 || threshold > len(participants) {
		return nil, fmt.Errorf("invalid threshold %d for %d participants", threshold, len(participants))
	}
	if !slices.Contains(participants, id) {
		return nil, fmt.Errorf("participant %d not in the participants list", id)
	}
	for _, pid := range participants {
		if pid < 1 {
			return nil, fmt.Errorf("participant ids start at 1, got %d", pid)
		}
	}
	return &Participant{
		ID:              id,
		Threshold:       threshold,
		Participants:    participants,
		SecretShares:    make(map[int]kyber.Scalar),
		ReceivedShares:  make(map[int]kyber.Scalar),
		receivedCommits: make(map[int]*share.PubPoly),
	}, nil
}

// GenerateSecretPolynomial picks the random polynomial of the participant and
// commits to its coefficients.
func (p *Participant) GenerateSecretPolynomial() {
	p.poly = share.NewPriPoly(crypto.Suite, p.Threshold, nil, crypto.Suite.RandomStream())
	p.PublicCoeffs = p.poly.Commit(nil)
}

// Commitments returns the public coefficient commitments of the participant.
func (p *Participant) Commitments() []kyber.Point {
	_, commits := p.PublicCoeffs.Info()
	return commits
}

// ComputeShares computes shares to send to other participants.
func (p *Participant) ComputeShares() {
	for _, pid := range p.Participants {
		p.SecretShares[pid] = p.poly.Eval(pid - 1).V
	}
}

// Deals seals the computed shares for every other participant with its
// long-term public key.
func (p *Participant) Deals(recipientKeys map[int]kyber.Point) ([]*Deal, error) {
	if p.poly == nil {
		return nil, fmt.Errorf("secret polynomial not generated")
	}
	if len(p.SecretShares) == 0 {
		p.ComputeShares()
	}
	commits := EncodePoints(p.Commitments())
	deals := make([]*Deal, 0, len(p.Participants)-1)
	for _, pid := range p.Participants {
		if pid == p.ID {
			continue
		}
		pub, ok := recipientKeys[pid]
		if !ok {
			return nil, fmt.Errorf("missing long-term key of participant %d", pid)
		}
		sealed, err := SealShare(pub, p.SecretShares[pid])
		if err != nil {
			return nil, fmt.Errorf("seal share for %d: %w", pid, err)
		}
		deals = append(deals, &Deal{
			Dealer:    p.ID,
			Recipient: pid,
			Sealed:    sealed,
			Commits:   commits,
		})
	}
	return deals, nil
}

// ReceiveDeal opens a deal with the long-term private key of the participant
// and verifies it.
func (p *Participant) ReceiveDeal(d *Deal, longTermKey kyber.Scalar) error {
	if d.Recipient != p.ID {
		return fmt.Errorf("deal for participant %d received by %d", d.Recipient, p.ID)
	}
	s, err := OpenShare(longTermKey, d.Sealed)
	if err != nil {
		return fmt.Errorf("%w: cannot open deal from %d: %v", ErrInvalidShare, d.Dealer, err)
	}
	commits, err := DecodePoints(d.Commits)
	if err != nil {
		return fmt.Errorf("%w: dealer %d commitments: %v", ErrInvalidShare, d.Dealer, err)
	}
	return p.ReceiveShare(d.Dealer, s, commits)
}

// ReceiveShare verifies the share dealt by fromID against its public
// coefficients and stores it.
func (p *Participant) ReceiveShare(fromID int, s kyber.Scalar, publicCoeffs []kyber.Point) error {
	if !slices.Contains(p.Participants, fromID) {
		return fmt.Errorf("unknown dealer %d", fromID)
	}
	if len(publicCoeffs) != p.Threshold {
		return fmt.Errorf("%w: dealer %d committed %d coefficients, expected %d",
			ErrInvalidShare, fromID, len(publicCoeffs), p.Threshold)
	}
	pub := share.NewPubPoly(crypto.Suite, nil, publicCoeffs)
	if !pub.Check(&share.PriShare{I: p.ID - 1, V: s}) {
		return fmt.Errorf("%w: share from %d does not match its commitments", ErrInvalidShare, fromID)
	}
	p.ReceivedShares[fromID] = s
	p.receivedCommits[fromID] = pub
	return nil
}

// AggregateShares sums the own share and every received share into the
// private share of the participant.
func (p *Participant) AggregateShares() error {
	if len(p.SecretShares) == 0 {
		p.ComputeShares()
	}
	if len(p.ReceivedShares) != len(p.Participants)-1 {
		return fmt.Errorf("%w: have %d of %d", ErrMissingDeals, len(p.ReceivedShares), len(p.Participants)-1)
	}
	sum := crypto.Suite.Scalar().Set(p.SecretShares[p.ID])
	for _, s := range p.ReceivedShares {
		sum.Add(sum, s)
	}
	p.PrivateShare = sum
	return nil
}

// AggregatePublicKey sums the public polynomials of all participants. The
// constant term of the result is the election public key.
func (p *Participant) AggregatePublicKey() error {
	if len(p.receivedCommits) != len(p.Participants)-1 {
		return fmt.Errorf("%w: have %d of %d", ErrMissingDeals, len(p.receivedCommits), len(p.Participants)-1)
	}
	acc := p.PublicCoeffs
	for _, pid := range p.Participants {
		if pid == p.ID {
			continue
		}
		var err error
		acc, err = acc.Add(p.receivedCommits[pid])
		if err != nil {
			return fmt.Errorf("aggregate commitments of %d: %w", pid, err)
		}
	}
	p.PublicPoly = acc
	p.PublicKey = acc.Commit()
	return nil
}

// KeyShare returns the final share of the participant once aggregated.
func (p *Participant) KeyShare() (*KeyShare, error) {
	if p.PrivateShare == nil || p.PublicPoly == nil {
		return nil, fmt.Errorf("participant %d has not aggregated its share", p.ID)
	}
	_, commits := p.PublicPoly.Info()
	return &KeyShare{
		Index:       p.ID,
		Share:       p.PrivateShare,
		PublicShare: crypto.Suite.Point().Mul(p.PrivateShare, nil),
		Commits:     commits,
	}, nil
}

// SealShare encrypts a share for the holder of pub.
func SealShare(pub kyber.Point, s kyber.Scalar) ([]byte, error) {
	return ecies.Encrypt(crypto.Suite, pub, crypto.ScalarBytes(s), crypto.Suite.Hash)
}

// OpenShare decrypts a share sealed by SealShare.
func OpenShare(priv kyber.Scalar, sealed []byte) (kyber.Scalar, error) {
	b, err := ecies.Decrypt(crypto.Suite, priv, sealed, crypto.Suite.Hash)
	if err != nil {
		return nil, err
	}
	return crypto.ScalarFromBytes(b)
}

// EncodePoints marshals a list of points.
func EncodePoints(points []kyber.Point) []types.HexBytes {
	out := make([]types.HexBytes, len(points))
	for i, p := range points {
		out[i] = crypto.PointBytes(p)
	}
	return out
}

// DecodePoints unmarshals a list of points.
func DecodePoints(data []types.HexBytes) ([]kyber.Point, error) {
	out := make([]kyber.Point, len(data))
	for i, b := range data {
		p, err := crypto.PointFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}
