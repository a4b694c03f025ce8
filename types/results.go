package types

import "time"

// CandidateResult is the decrypted count of a single candidate.
type CandidateResult struct {
	CandidateID string `json:"candidateId" cbor:"0,keyasint,omitempty"`
	Votes       uint64 `json:"votes"       cbor:"1,keyasint,omitempty"`
}

// TallyResult is the outcome of the homomorphic tally of an election.
type TallyResult struct {
	ElectionID       HexBytes          `json:"electionId"       cbor:"0,keyasint,omitempty"`
	TotalVotes       uint64            `json:"totalVotes"       cbor:"1,keyasint,omitempty"`
	ValidVotes       uint64            `json:"validVotes"       cbor:"2,keyasint,omitempty"`
	InvalidVotes     uint64            `json:"invalidVotes"     cbor:"3,keyasint,omitempty"`
	CandidateResults []CandidateResult `json:"candidateResults" cbor:"4,keyasint,omitempty"`
	CommitmentRoot   HexBytes          `json:"commitmentRoot"   cbor:"5,keyasint,omitempty"`
	// Aggregate holds the per candidate aggregated ciphertexts, encoded.
	Aggregate []HexBytes `json:"aggregate"        cbor:"6,keyasint,omitempty"`
	// Trustees lists the indexes of the trustees whose partial decryptions
	// were combined.
	Trustees  []int     `json:"trustees"         cbor:"7,keyasint,omitempty"`
	TalliedAt time.Time `json:"talliedAt"        cbor:"8,keyasint,omitempty"`
}

// Receipt binds a verification code to a ballot commitment.
type Receipt struct {
	ReceiptID        string    `json:"receiptId"        cbor:"0,keyasint,omitempty"`
	VerificationCode string    `json:"verificationCode" cbor:"1,keyasint,omitempty"`
	ReceiptHash      HexBytes  `json:"receiptHash"      cbor:"2,keyasint,omitempty"`
	ElectionID       HexBytes  `json:"electionId"       cbor:"3,keyasint,omitempty"`
	Commitment       HexBytes  `json:"commitment"       cbor:"4,keyasint,omitempty"`
	Nullifier        HexBytes  `json:"nullifier"        cbor:"5,keyasint,omitempty"`
	IssuedAt         time.Time `json:"issuedAt"         cbor:"6,keyasint,omitempty"`
}

// AuditKind classifies an integrity incident.
type AuditKind string

const (
	AuditAggregationMismatch AuditKind = "aggregation_mismatch"
	AuditShuffleProofInvalid AuditKind = "shuffle_proof_invalid"
	AuditDecryptionFailed    AuditKind = "decryption_failed"
	AuditBallotInvalid       AuditKind = "ballot_invalid"
)

// AuditRecord is written whenever the pipeline halts on an integrity failure.
type AuditRecord struct {
	ElectionID HexBytes  `json:"electionId" cbor:"0,keyasint,omitempty"`
	Kind       AuditKind `json:"kind"       cbor:"1,keyasint,omitempty"`
	Details    string    `json:"details"    cbor:"2,keyasint,omitempty"`
	BatchIndex int       `json:"batchIndex" cbor:"3,keyasint,omitempty"`
	Stage      int       `json:"stage"      cbor:"4,keyasint,omitempty"`
	CreatedAt  time.Time `json:"createdAt"  cbor:"5,keyasint,omitempty"`
}
