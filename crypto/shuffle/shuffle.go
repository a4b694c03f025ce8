// Package shuffle implements a verifiable re-encryption shuffle of ballots
// using Neff's sequence shuffle. Every ballot is a sequence of ciphertexts
// (one per candidate); all sequences are permuted with the same permutation
// and re-randomized, and the proof shows the output is a permutation of
// re-encryptions of the input without revealing which.
package shuffle

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
	kshuffle "go.dedis.ch/kyber/v3/shuffle"
)

const protocolName = "vottery/sequences-shuffle/v2"

var (
	// ErrInvalidProof is returned when a shuffle proof does not verify.
	ErrInvalidProof = errors.New("invalid shuffle proof")
	// ErrInvalidInput is returned for batches that cannot be shuffled.
	ErrInvalidInput = errors.New("invalid shuffle input")
)

// proofBundle carries the shuffle proof and the re-encrypted anchor row.
type proofBundle struct {
	Anchor  elgamal.Ballot `cbor:"0,keyasint"`
	Proof   []byte         `cbor:"1,keyasint"`
}

// anchor is the public sequence placed at index 0 of every shuffle: the
// kyber permutation never moves index 0, so the real ballots all sit behind
// it. Each field is an encryption of 0 with randomness 1.
func anchor(pub kyber.Point, fields int) elgamal.Ballot {
	b := make(elgamal.Ballot, fields)
	for j := range b {
		b[j] = &elgamal.Ciphertext{C1: crypto.Suite.Point().Base(), C2: pub.Clone()}
	}
	return b
}

func anchored(pub kyber.Point, in []elgamal.Ballot) []elgamal.Ballot {
	if len(in) == 0 {
		return in
	}
	out := make([]elgamal.Ballot, 0, len(in)+1)
	out = append(out, anchor(pub, len(in[0])))
	return append(out, in...)
}

// Shuffle permutes and re-encrypts the ballots under pub. It returns the
// output ballots and the proof. The context is bound into the Fiat-Shamir
// challenge, so a proof only verifies for the same context.
func Shuffle(pub kyber.Point, in []elgamal.Ballot, context []byte) ([]elgamal.Ballot, []byte, error) {
	if len(in) < 2 {
		return nil, nil, fmt.Errorf("%w: %d ballots, at least 2 needed", ErrInvalidInput, len(in))
	}
	X, Y, err := sequences(anchored(pub, in))
	if err != nil {
		return nil, nil, err
	}
	Xbar, Ybar, getProver := kshuffle.SequencesShuffle(crypto.Suite, nil, pub, X, Y, crypto.Suite.RandomStream())
	e, err := challenge(pub, X, Y, Xbar, Ybar, context)
	if err != nil {
		return nil, nil, err
	}
	prover, err := getProver(e)
	if err != nil {
		return nil, nil, fmt.Errorf("shuffle prover: %w", err)
	}
	prf, err := proof.HashProve(crypto.Suite, protocolName, prover)
	if err != nil {
		return nil, nil, fmt.Errorf("shuffle proof: %w", err)
	}
	out := ballots(Xbar, Ybar)
	bundle, err := cbor.Marshal(proofBundle{Anchor: out[0], Proof: prf})
	if err != nil {
		return nil, nil, fmt.Errorf("shuffle proof: %w", err)
	}
	return out[1:], bundle, nil
}

// Verify checks that out is a verifiable shuffle of in under pub.
func Verify(pub kyber.Point, in, out []elgamal.Ballot, context, prf []byte) error {
	if len(in) < 2 {
		return fmt.Errorf("%w: %d ballots, at least 2 needed", ErrInvalidInput, len(in))
	}
	X, Y, err := sequences(anchored(pub, in))
	if err != nil {
		return err
	}
	var bundle proofBundle
	if err := cbor.Unmarshal(prf, &bundle); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if len(out) != len(in) {
		return fmt.Errorf("%w: %d output ballots, %d input", ErrInvalidProof, len(out), len(in))
	}
	full := make([]elgamal.Ballot, 0, len(out)+1)
	full = append(full, bundle.Anchor)
	Xbar, Ybar, err := sequences(append(full, out...))
	if err != nil {
		return fmt.Errorf("%w: output: %v", ErrInvalidProof, err)
	}
	if len(Xbar) != len(X) {
		return fmt.Errorf("%w: output has %d fields, input %d", ErrInvalidProof, len(Xbar), len(X))
	}
	e, err := challenge(pub, X, Y, Xbar, Ybar, context)
	if err != nil {
		return err
	}
	XUp, YUp, XDown, YDown := kshuffle.GetSequenceVerifiable(crypto.Suite, X, Y, Xbar, Ybar, e)
	verifier := kshuffle.Verifier(crypto.Suite, nil, pub, XUp, YUp, XDown, YDown)
	if err := proof.HashVerify(crypto.Suite, protocolName, verifier, bundle.Proof); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// sequences turns a list of ballots into the candidate-major sequences
// expected by the Neff shuffle: X[j][i] is C1 of candidate j in ballot i.
func sequences(in []elgamal.Ballot) (X, Y [][]kyber.Point, err error) {
	if len(in) < 2 {
		return nil, nil, fmt.Errorf("%w: %d ballots, at least 2 needed", ErrInvalidInput, len(in))
	}
	fields := len(in[0])
	if fields == 0 {
		return nil, nil, fmt.Errorf("%w: empty ballot", ErrInvalidInput)
	}
	X = make([][]kyber.Point, fields)
	Y = make([][]kyber.Point, fields)
	for j := range fields {
		X[j] = make([]kyber.Point, len(in))
		Y[j] = make([]kyber.Point, len(in))
	}
	for i, b := range in {
		if len(b) != fields {
			return nil, nil, fmt.Errorf("%w: ballot %d has %d fields, expected %d", ErrInvalidInput, i, len(b), fields)
		}
		for j, ct := range b {
			if ct == nil || ct.C1 == nil || ct.C2 == nil {
				return nil, nil, fmt.Errorf("%w: ballot %d field %d is empty", ErrInvalidInput, i, j)
			}
			X[j][i], Y[j][i] = ct.C1, ct.C2
		}
	}
	return X, Y, nil
}

func ballots(X, Y [][]kyber.Point) []elgamal.Ballot {
	out := make([]elgamal.Ballot, len(X[0]))
	for i := range out {
		out[i] = make(elgamal.Ballot, len(X))
		for j := range X {
			out[i][j] = &elgamal.Ciphertext{C1: X[j][i], C2: Y[j][i]}
		}
	}
	return out
}

// challenge derives the vector e of the sequence shuffle with Fiat-Shamir
// over the public key, the input and the output.
func challenge(pub kyber.Point, X, Y, Xbar, Ybar [][]kyber.Point, context []byte) ([]kyber.Scalar, error) {
	xof := crypto.Suite.XOF([]byte(protocolName))
	write := func(p kyber.Point) error {
		_, err := p.MarshalTo(xof)
		return err
	}
	if _, err := xof.Write(context); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	if err := write(pub); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	for _, seqs := range [][][]kyber.Point{X, Y, Xbar, Ybar} {
		for _, seq := range seqs {
			for _, p := range seq {
				if err := write(p); err != nil {
					return nil, fmt.Errorf("challenge: %w", err)
				}
			}
		}
	}
	e := make([]kyber.Scalar, len(X))
	for j := range e {
		e[j] = crypto.Suite.Scalar().Pick(xof)
	}
	return e, nil
}
