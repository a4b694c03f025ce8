package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/types"
)

// NewElection is the request to create an election. Signature is the
// organizer's personal signature over CreateElectionMessage(Nonce).
type NewElection struct {
	Title          string                `json:"title"           validate:"required,max=256"`
	Candidates     []types.Candidate     `json:"candidates"      validate:"min=2,max=64,dive"`
	StartTime      time.Time             `json:"startTime"`
	EndTime        time.Time             `json:"endTime"`
	Threshold      types.ThresholdConfig `json:"thresholdConfig"`
	CheckpointSize int                   `json:"checkpointSize"  validate:"omitempty,min=2"`
	MixStages      int                   `json:"mixStages"       validate:"omitempty,min=1,max=8"`
	Nonce          uint64                `json:"nonce"`
	Signature      types.HexBytes        `json:"signature"       validate:"required,len=65"`
}

// ElectionInfo is the public view of an election.
type ElectionInfo struct {
	*types.Election
	BallotCount uint64 `json:"ballotCount"`
}

// CensusRequest adds voters to the census of an election.
type CensusRequest struct {
	Voters []common.Address `json:"voters" validate:"min=1,max=10000"`
}

// CensusResponse returns the new census root.
type CensusResponse struct {
	Root types.HexBytes `json:"root"`
}

// KeysResponse is the public outcome of the key generation.
type KeysResponse struct {
	KeyID     string                `json:"keyId"`
	Threshold types.ThresholdConfig `json:"thresholdConfig"`
	PublicKey types.HexBytes        `json:"publicKey"`
}

// CastBallot is the selection of a voter.
type CastBallot struct {
	CandidateIndex *int `json:"candidateIndex" validate:"required,min=0"`
}

// BallotResponse is what the voter keeps after casting.
type BallotResponse struct {
	ReceiptID        string         `json:"receiptId"`
	VerificationCode string         `json:"verificationCode"`
	ReceiptHash      types.HexBytes `json:"receiptHash"`
}

// MixStatus is the progress of the mix of an election.
type MixStatus struct {
	Status string `json:"status"`
}

// VerifyVote asks for the verification of a receipt.
type VerifyVote struct {
	VerificationCode string         `json:"verificationCode" validate:"required,hexadecimal"`
	ReceiptHash      types.HexBytes `json:"receiptHash"      validate:"required,len=32"`
}

// VoteVerification is the response to VerifyVote.
type VoteVerification = receipts.ReceiptVerification
