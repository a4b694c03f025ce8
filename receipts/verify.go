package receipts

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
)

// Verification states.
const (
	StatusVerified = "verified"
	StatusPending  = "pending"
	StatusInvalid  = "invalid"
)

// CryptoProofs lists the individual checks run over a receipt.
type CryptoProofs struct {
	// ZKProofValid is set when the one-hot proof of the ballot verifies.
	ZKProofValid bool `json:"zkProofValid"`
	// EncryptionValid is set when the ciphertexts hash to the commitment.
	EncryptionValid bool `json:"encryptionValid"`
	// NullifierValid is set when the nullifier is consumed in the election.
	NullifierValid bool `json:"nullifierValid"`
	// HashValid is set when the receipt hash matches the receipt.
	HashValid bool `json:"hashValid"`
}

// AuditEntry is one event of the life of a ballot.
type AuditEntry struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Details string    `json:"details,omitempty"`
}

// ReceiptVerification is the outcome of VerifyReceipt.
type ReceiptVerification struct {
	IsValid      bool         `json:"isValid"`
	Status       string       `json:"status"`
	CryptoProofs CryptoProofs `json:"cryptoProofs"`
	Inclusion    *Inclusion   `json:"inclusion,omitempty"`
	AuditTrail   []AuditEntry `json:"auditTrail"`
}

// VerifyReceipt checks everything that can be checked from a receipt: the
// receipt hash, the ballot proof, the commitment and the nullifier and,
// once tallied, the inclusion of the commitment in the published tree.
// Before the tally the result has StatusPending.
func (s *Service) VerifyReceipt(code string, receiptHash []byte) (*ReceiptVerification, error) {
	r, err := s.Get(code)
	if err != nil {
		return nil, err
	}
	e, err := s.stg.Election(r.ElectionID)
	if err != nil {
		return nil, fmt.Errorf("election: %w", err)
	}
	out := &ReceiptVerification{Status: StatusInvalid}
	out.CryptoProofs.HashValid = bytes.Equal(receiptHash, r.ReceiptHash) &&
		bytes.Equal(Hash(r.ElectionID, r.VerificationCode, r.Commitment), r.ReceiptHash)

	b, err := s.stg.BallotByNullifier(r.ElectionID, r.Nullifier)
	switch {
	case err == nil:
		out.CryptoProofs.NullifierValid = true
		enc := &ballot.Encrypted{
			Ciphertexts: b.Ciphertexts,
			Proof:       b.Proof,
			Nullifier:   b.Nullifier,
			Commitment:  b.Commitment,
		}
		if commitment, err := ballot.Commitment(r.ElectionID, b.Nullifier, b.Ciphertexts); err == nil {
			out.CryptoProofs.EncryptionValid = bytes.Equal(commitment, r.Commitment) &&
				bytes.Equal(commitment, b.Commitment)
		}
		if pub, err := crypto.PointFromBytes(e.PublicKey); err == nil {
			out.CryptoProofs.ZKProofValid = ballot.Verify(pub, r.ElectionID, len(e.Candidates), enc) == nil
		}
		out.AuditTrail = append(out.AuditTrail, AuditEntry{
			Event:   "ballot_accepted",
			Time:    b.ReceivedAt,
			Details: fmt.Sprintf("sequence %d", b.Seq),
		})
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}
	out.AuditTrail = append(out.AuditTrail, AuditEntry{Event: "receipt_issued", Time: r.IssuedAt})

	records, err := s.stg.AuditRecords(r.ElectionID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		out.AuditTrail = append(out.AuditTrail, AuditEntry{
			Event:   "election_" + string(rec.Kind),
			Time:    rec.CreatedAt,
			Details: rec.Details,
		})
	}

	cp := out.CryptoProofs
	checks := cp.HashValid && cp.NullifierValid && cp.EncryptionValid && cp.ZKProofValid
	inclusion, err := s.inclusion(r)
	switch {
	case errors.Is(err, ErrNotYetTallied):
		if checks && e.Status != types.ElectionStatusHalted {
			out.Status = StatusPending
		}
		return out, nil
	case err != nil:
		return nil, err
	}
	out.Inclusion = inclusion
	if result, err := s.stg.Tally(r.ElectionID); err == nil {
		out.AuditTrail = append(out.AuditTrail, AuditEntry{
			Event:   "tallied",
			Time:    result.TalliedAt,
			Details: fmt.Sprintf("commitment root %s", result.CommitmentRoot),
		})
	}
	out.IsValid = checks && inclusion.Included
	if out.IsValid {
		out.Status = StatusVerified
	}
	return out, nil
}
