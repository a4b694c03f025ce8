// Package ballotproof proves that a vector of ElGamal ciphertexts encrypts a
// one-hot selection: every field encrypts 0 or 1 and the fields add up to 1.
//
// A proof is a bundle of one disjunctive Chaum-Pedersen proof per field and
// an equality-of-discrete-logs proof over the field sum, each made
// non-interactive with Fiat-Shamir. Every protocol name is derived from a
// context (election id and nullifier) so no part of a proof can be replayed
// for another ballot or another field.
package ballotproof

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
)

var (
	// ErrInvalidProof is returned when a ballot proof does not verify.
	ErrInvalidProof = errors.New("invalid ballot proof")
	// ErrInvalidStatement is returned when the inputs of the prover do not
	// describe a one-hot ballot.
	ErrInvalidStatement = errors.New("invalid ballot statement")
)

// bundle is the wire form of a ballot proof.
type bundle struct {
	Fields [][]byte `cbor:"0,keyasint"`
	Sum    []byte   `cbor:"1,keyasint"`
}

// Context binds a proof to an election and a nullifier.
func Context(electionID, nullifier []byte) []byte {
	ctx := make([]byte, 0, len(electionID)+len(nullifier))
	ctx = append(ctx, electionID...)
	return append(ctx, nullifier...)
}

func protocolName(context []byte, n int, part string) string {
	return "vottery/ballot/" + hex.EncodeToString(context) + "/" + strconv.Itoa(n) + "/" + part
}

// fieldPredicate holds when a ciphertext (C1, C2) with randomness r encrypts
// 0 (C2 = r*H) or 1 (C2 - B = r*H). kyber only accepts OR at the top level,
// so each field is proven on its own.
func fieldPredicate() proof.Predicate {
	return proof.Or(
		proof.And(proof.Rep("C1", "r", "B"), proof.Rep("C2", "r", "H")),
		proof.And(proof.Rep("C1", "r", "B"), proof.Rep("D", "r", "H")),
	)
}

// sumPredicate holds when the sum of all fields encrypts 1.
func sumPredicate() proof.Predicate {
	return proof.And(proof.Rep("SC1", "R", "B"), proof.Rep("SD", "R", "H"))
}

func fieldPoints(pub kyber.Point, ct *elgamal.Ciphertext) map[string]kyber.Point {
	base := crypto.Suite.Point().Base()
	return map[string]kyber.Point{
		"B":  base,
		"H":  pub,
		"C1": ct.C1,
		"C2": ct.C2,
		"D":  crypto.Suite.Point().Sub(ct.C2, base),
	}
}

func sumPoints(pub kyber.Point, b elgamal.Ballot) map[string]kyber.Point {
	base := crypto.Suite.Point().Base()
	sc1 := crypto.Suite.Point().Null()
	sc2 := crypto.Suite.Point().Null()
	for _, ct := range b {
		sc1.Add(sc1, ct.C1)
		sc2.Add(sc2, ct.C2)
	}
	return map[string]kyber.Point{
		"B":   base,
		"H":   pub,
		"SC1": sc1,
		"SD":  sc2.Sub(sc2, base),
	}
}

// Prove builds the proof for a ballot that encrypts the one-hot vector with
// a 1 at choice, using the per-field randomness ks.
func Prove(pub kyber.Point, b elgamal.Ballot, ks []kyber.Scalar, choice int, context []byte) ([]byte, error) {
	if len(b) < 2 || len(ks) != len(b) {
		return nil, fmt.Errorf("%w: %d fields, %d randomness values", ErrInvalidStatement, len(b), len(ks))
	}
	if choice < 0 || choice >= len(b) {
		return nil, fmt.Errorf("%w: choice %d out of range", ErrInvalidStatement, choice)
	}
	out := bundle{Fields: make([][]byte, len(b))}
	sum := crypto.Suite.Scalar().Zero()
	for j, k := range ks {
		pred := fieldPredicate()
		branch := 0
		if j == choice {
			branch = 1
		}
		prover := pred.Prover(crypto.Suite, map[string]kyber.Scalar{"r": k},
			fieldPoints(pub, b[j]), map[proof.Predicate]int{pred: branch})
		prf, err := proof.HashProve(crypto.Suite, protocolName(context, len(b), "field/"+strconv.Itoa(j)), prover)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidStatement, j, err)
		}
		out.Fields[j] = prf
		sum.Add(sum, k)
	}
	prover := sumPredicate().Prover(crypto.Suite, map[string]kyber.Scalar{"R": sum}, sumPoints(pub, b), nil)
	prf, err := proof.HashProve(crypto.Suite, protocolName(context, len(b), "sum"), prover)
	if err != nil {
		return nil, fmt.Errorf("%w: sum: %v", ErrInvalidStatement, err)
	}
	out.Sum = prf
	return cbor.Marshal(out)
}

// Verify checks a ballot proof with the election public key and the context
// it was bound to. Every field proof and the sum proof must hold.
func Verify(pub kyber.Point, b elgamal.Ballot, context, prf []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: ballot has %d fields", ErrInvalidProof, len(b))
	}
	for j, ct := range b {
		if ct == nil || ct.C1 == nil || ct.C2 == nil {
			return fmt.Errorf("%w: field %d is empty", ErrInvalidProof, j)
		}
	}
	var in bundle
	if err := cbor.Unmarshal(prf, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if len(in.Fields) != len(b) {
		return fmt.Errorf("%w: %d field proofs for %d fields", ErrInvalidProof, len(in.Fields), len(b))
	}
	for j, ct := range b {
		verifier := fieldPredicate().Verifier(crypto.Suite, fieldPoints(pub, ct))
		if err := proof.HashVerify(crypto.Suite, protocolName(context, len(b), "field/"+strconv.Itoa(j)), verifier, in.Fields[j]); err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidProof, j, err)
		}
	}
	verifier := sumPredicate().Verifier(crypto.Suite, sumPoints(pub, b))
	if err := proof.HashVerify(crypto.Suite, protocolName(context, len(b), "sum"), verifier, in.Sum); err != nil {
		return fmt.Errorf("%w: sum: %v", ErrInvalidProof, err)
	}
	return nil
}
