// Package receipts issues the receipts handed to voters at submission and
// lets them check, once the election is tallied, that their ballot was
// counted: the commitment of the ballot is proven to be a leaf of the
// published commitment tree.
package receipts

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
)

var (
	// ErrReceiptNotFound is returned for unknown verification codes.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrNotYetTallied is returned when the election of a receipt has no
	// published commitment root yet.
	ErrNotYetTallied = errors.New("election not yet tallied")
)

// Hash returns keccak256(electionID || code || commitment).
func Hash(electionID []byte, code string, commitment []byte) []byte {
	return ethcrypto.Keccak256(electionID, []byte(code), commitment)
}

// IssueReceipt builds the receipt of a ballot. The verification code is
// random, so it tells nothing about the vote nor the voter. The receipt is
// stored with the ballot, in the same write as its nullifier.
func IssueReceipt(electionID, commitment, nullifier []byte) *types.Receipt {
	code := util.RandomHex(types.VerificationCodeLen)
	return &types.Receipt{
		ReceiptID:        uuid.NewString(),
		VerificationCode: code,
		ReceiptHash:      Hash(electionID, code, commitment),
		ElectionID:       electionID,
		Commitment:       commitment,
		Nullifier:        nullifier,
		IssuedAt:         time.Now(),
	}
}

// Inclusion is the proof that a ballot commitment is part of the published
// commitment tree of its election.
type Inclusion struct {
	Included bool               `json:"included"`
	Root     types.HexBytes     `json:"root"`
	Proof    *types.CensusProof `json:"proof,omitempty"`
}

// Service answers receipt lookups and verifications.
type Service struct {
	stg   *storage.Storage
	trees *merkletree.TreeDB
}

// New returns the receipt service.
func New(stg *storage.Storage, trees *merkletree.TreeDB) *Service {
	return &Service{stg: stg, trees: trees}
}

// Get returns the receipt issued with the verification code.
func (s *Service) Get(code string) (*types.Receipt, error) {
	r, err := s.stg.Receipt(code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return r, nil
}

// Verify proves the inclusion of the ballot of a receipt in the commitment
// tree published with the tally.
func (s *Service) Verify(code string) (*Inclusion, error) {
	r, err := s.Get(code)
	if err != nil {
		return nil, err
	}
	return s.inclusion(r)
}

func (s *Service) inclusion(r *types.Receipt) (*Inclusion, error) {
	result, err := s.stg.Tally(r.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotYetTallied
		}
		return nil, err
	}
	out := &Inclusion{Root: result.CommitmentRoot}
	tree, err := s.trees.Load(merkletree.ElectionTreeID(r.ElectionID, merkletree.KindCommitments))
	if err != nil {
		return nil, fmt.Errorf("commitment tree: %w", err)
	}
	proof, err := tree.Proof(merkletree.LeafKey(r.Commitment))
	if errors.Is(err, merkletree.ErrKeyNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Included = bytes.Equal(proof.Root, result.CommitmentRoot) &&
		bytes.Equal(proof.Value, r.Commitment) &&
		merkletree.VerifyProof(proof)
	if out.Included {
		out.Proof = proof
	}
	return out, nil
}
