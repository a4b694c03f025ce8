package dkg

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
)

// ErrInvalidPartialDecryption is returned when the proof attached to a partial
// decryption does not verify against the trustee public share.
var ErrInvalidPartialDecryption = errors.New("invalid partial decryption")

// PartialDecryption holds D_j = x_i*C1_j for every ciphertext j and a
// proof that the same x_i was used as in the public share X_i = x_i*G.
type PartialDecryption struct {
	Index int
	D     []kyber.Point
	Proof []byte
}

type partialDecryptionJSON struct {
	Index int              `json:"index"`
	D     []types.HexBytes `json:"d"`
	Proof types.HexBytes   `json:"proof"`
}

// MarshalJSON implements json.Marshaler.
func (pd *PartialDecryption) MarshalJSON() ([]byte, error) {
	return json.Marshal(partialDecryptionJSON{
		Index: pd.Index,
		D:     EncodePoints(pd.D),
		Proof: pd.Proof,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (pd *PartialDecryption) UnmarshalJSON(data []byte) error {
	var pj partialDecryptionJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	d, err := DecodePoints(pj.D)
	if err != nil {
		return err
	}
	pd.Index, pd.D, pd.Proof = pj.Index, d, pj.Proof
	return nil
}

func partialDecryptionPredicate(n int) proof.Predicate {
	preds := []proof.Predicate{proof.Rep("X", "x", "B")}
	for j := range n {
		preds = append(preds, proof.Rep(fmt.Sprintf("D%d", j), "x", fmt.Sprintf("C%d", j)))
	}
	return proof.And(preds...)
}

func partialDecryptionPoints(publicShare kyber.Point, c1s, ds []kyber.Point) map[string]kyber.Point {
	points := map[string]kyber.Point{
		"B": crypto.Suite.Point().Base(),
		"X": publicShare,
	}
	for j := range c1s {
		points[fmt.Sprintf("C%d", j)] = c1s[j]
		points[fmt.Sprintf("D%d", j)] = ds[j]
	}
	return points
}

func partialDecryptionProtocol(context []byte) string {
	return "vottery/partial-decryption/" + hex.EncodeToString(context)
}

// ComputePartialDecryption computes the partial decryption of every C1 with
// the participant's private share. The context binds the proof to the
// election and the ciphertexts being opened.
func (p *Participant) ComputePartialDecryption(c1s []kyber.Point, context []byte) (*PartialDecryption, error) {
	ks, err := p.KeyShare()
	if err != nil {
		return nil, err
	}
	return ks.PartialDecrypt(c1s, context)
}

// PartialDecrypt computes x_i*C1_j for every j with a Chaum-Pedersen proof.
func (ks *KeyShare) PartialDecrypt(c1s []kyber.Point, context []byte) (*PartialDecryption, error) {
	ds := make([]kyber.Point, len(c1s))
	for j, c1 := range c1s {
		ds[j] = crypto.Suite.Point().Mul(ks.Share, c1)
	}
	pred := partialDecryptionPredicate(len(c1s))
	prover := pred.Prover(crypto.Suite,
		map[string]kyber.Scalar{"x": ks.Share},
		partialDecryptionPoints(ks.PublicShare, c1s, ds), nil)
	prf, err := proof.HashProve(crypto.Suite, partialDecryptionProtocol(context), prover)
	if err != nil {
		return nil, fmt.Errorf("prove partial decryption: %w", err)
	}
	return &PartialDecryption{Index: ks.Index, D: ds, Proof: prf}, nil
}

// VerifyPartialDecryption checks the proof of a partial decryption against
// the public share of the trustee that produced it.
func VerifyPartialDecryption(publicShare kyber.Point, c1s []kyber.Point, pd *PartialDecryption, context []byte) error {
	if pd == nil || len(pd.D) != len(c1s) {
		return fmt.Errorf("%w: wrong number of components", ErrInvalidPartialDecryption)
	}
	pred := partialDecryptionPredicate(len(c1s))
	verifier := pred.Verifier(crypto.Suite, partialDecryptionPoints(publicShare, c1s, pd.D))
	if err := proof.HashVerify(crypto.Suite, partialDecryptionProtocol(context), verifier, pd.Proof); err != nil {
		return fmt.Errorf("%w: trustee %d: %v", ErrInvalidPartialDecryption, pd.Index, err)
	}
	return nil
}

// CombinePartialDecryptions combines at least threshold partial decryptions
// into the plaintext points M_j = C2_j - sum(lambda_i * D_ij). Only the first
// threshold partials, ordered by index, are used.
func CombinePartialDecryptions(c2s []kyber.Point, partials []*PartialDecryption, threshold int) ([]kyber.Point, error) {
	seen := make(map[int]*PartialDecryption, len(partials))
	for _, pd := range partials {
		if pd == nil {
			continue
		}
		if len(pd.D) != len(c2s) {
			return nil, fmt.Errorf("%w: trustee %d has %d components, expected %d",
				ErrInvalidPartialDecryption, pd.Index, len(pd.D), len(c2s))
		}
		seen[pd.Index] = pd
	}
	if len(seen) < threshold {
		return nil, fmt.Errorf("%w: %d partial decryptions, need %d", ErrThresholdNotMet, len(seen), threshold)
	}
	participants := make([]int, 0, len(seen))
	for id := range seen {
		participants = append(participants, id)
	}
	sort.Ints(participants)
	participants = participants[:threshold]

	lagrangeCoeffs, err := computeLagrangeCoefficients(participants)
	if err != nil {
		return nil, fmt.Errorf("failed to compute Lagrange coefficients: %w", err)
	}
	out := make([]kyber.Point, len(c2s))
	for j := range c2s {
		s := crypto.Suite.Point().Null()
		for _, id := range participants {
			term := crypto.Suite.Point().Mul(lagrangeCoeffs[id], seen[id].D[j])
			s.Add(s, term)
		}
		out[j] = crypto.Suite.Point().Sub(c2s[j], s)
	}
	return out, nil
}

// computeLagrangeCoefficients computes the Lagrange coefficients at x = 0 for
// the given participant IDs.
func computeLagrangeCoefficients(participants []int) (map[int]kyber.Scalar, error) {
	coeffs := make(map[int]kyber.Scalar, len(participants))
	for _, i := range participants {
		numerator := crypto.Suite.Scalar().One()
		denominator := crypto.Suite.Scalar().One()
		for _, j := range participants {
			if i == j {
				continue
			}
			// numerator *= -j, denominator *= (i - j)
			numerator.Mul(numerator, crypto.Suite.Scalar().SetInt64(int64(-j)))
			denominator.Mul(denominator, crypto.Suite.Scalar().SetInt64(int64(i-j)))
		}
		if denominator.Equal(crypto.Suite.Scalar().Zero()) {
			return nil, fmt.Errorf("duplicated participant %d", i)
		}
		coeffs[i] = crypto.Suite.Scalar().Div(numerator, denominator)
	}
	return coeffs, nil
}
