package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"golang.org/x/crypto/hkdf"
)

// maxPoseidonInputs bounds MultiPoseidon to 16 chunks of 16 elements.
const maxPoseidonInputs = 256

// MultiPoseidon hashes an arbitrary number of field elements by hashing them
// in chunks of 16 and then hashing the chunk digests.
func MultiPoseidon(inputs ...*big.Int) (*big.Int, error) {
	if len(inputs) > maxPoseidonInputs {
		return nil, fmt.Errorf("too many inputs")
	} else if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs provided")
	}
	hashes := []*big.Int{}
	chunk := []*big.Int{}
	for _, input := range inputs {
		if len(chunk) == 16 {
			hash, err := poseidon.Hash(chunk)
			if err != nil {
				return nil, err
			}
			hashes = append(hashes, hash)
			chunk = []*big.Int{}
		}
		chunk = append(chunk, BigToFF(BN254ScalarField, input))
	}
	if len(chunk) > 0 {
		hash, err := poseidon.Hash(chunk)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	if len(hashes) == 1 {
		return hashes[0], nil
	}
	return poseidon.Hash(hashes)
}

// bytesToFields splits data into 16 byte big endian limbs, each of them
// a valid field element.
func bytesToFields(data []byte) []*big.Int {
	const limb = 16
	fields := make([]*big.Int, 0, len(data)/limb+1)
	for i := 0; i < len(data); i += limb {
		end := min(i+limb, len(data))
		fields = append(fields, new(big.Int).SetBytes(data[i:end]))
	}
	return fields
}

// Nullifier computes the election scoped nullifier of a voter:
// Poseidon(voterSecret, electionID). The output is a 32 byte field element.
func Nullifier(voterSecret *big.Int, electionID []byte) ([]byte, error) {
	if voterSecret == nil || voterSecret.Sign() == 0 {
		return nil, fmt.Errorf("empty voter secret")
	}
	if len(electionID) == 0 {
		return nil, fmt.Errorf("empty election id")
	}
	inputs := append([]*big.Int{voterSecret}, bytesToFields(electionID)...)
	h, err := MultiPoseidon(inputs...)
	if err != nil {
		return nil, fmt.Errorf("nullifier hash: %w", err)
	}
	return FieldBytes(h), nil
}

// Commitment hashes the given byte strings with MiMC over the BN254 scalar
// field. Every input is split in 31 byte chunks, each one a field element, and
// each input length is absorbed first so different splits never collide.
func Commitment(inputs ...[]byte) ([]byte, error) {
	h := mimc.NewMiMC()
	write := func(b []byte) error {
		var e fr.Element
		e.SetBytes(b)
		buf := e.Bytes()
		_, err := h.Write(buf[:])
		return err
	}
	for _, in := range inputs {
		if err := write(big.NewInt(int64(len(in))).Bytes()); err != nil {
			return nil, fmt.Errorf("commitment hash: %w", err)
		}
		for i := 0; i < len(in); i += 31 {
			end := min(i+31, len(in))
			if err := write(in[i:end]); err != nil {
				return nil, fmt.Errorf("commitment hash: %w", err)
			}
		}
	}
	return h.Sum(nil), nil
}

// VoterSecret derives the secret of a voter for an election. The pepper is a
// per-election random value only known by the backend, so nobody can compute
// the nullifier of a voter from public data, and the voter cannot choose a
// different secret to obtain a second nullifier.
func VoterSecret(pepper, electionID, voter []byte) (*big.Int, error) {
	if len(pepper) == 0 {
		return nil, fmt.Errorf("empty election pepper")
	}
	r := hkdf.New(sha256.New, pepper, electionID, append([]byte("vottery/voter-secret/"), voter...))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive voter secret: %w", err)
	}
	s := BigToFF(BN254ScalarField, new(big.Int).SetBytes(out))
	if s.Sign() == 0 {
		s.SetInt64(1)
	}
	return s, nil
}
