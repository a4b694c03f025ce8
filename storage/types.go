package storage

import (
	"time"

	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/types"
)

// Ballot is an accepted ballot. The plaintext selection is never part of it.
type Ballot struct {
	ElectionID  types.HexBytes `json:"electionId"  cbor:"0,keyasint,omitempty"`
	Seq         uint64         `json:"seq"         cbor:"1,keyasint,omitempty"`
	Ciphertexts elgamal.Ballot `json:"ciphertexts" cbor:"2,keyasint,omitempty"`
	Proof       types.HexBytes `json:"proof"       cbor:"3,keyasint,omitempty"`
	Nullifier   types.HexBytes `json:"nullifier"   cbor:"4,keyasint,omitempty"`
	Commitment  types.HexBytes `json:"commitment"  cbor:"5,keyasint,omitempty"`
	ReceivedAt  time.Time      `json:"receivedAt"  cbor:"6,keyasint,omitempty"`
}

// MixBatchStatus is the processing state of a mix batch.
type MixBatchStatus uint8

const (
	MixBatchPending MixBatchStatus = iota
	MixBatchMixed
	MixBatchFailed
)

// MixBatch is a closed range [FirstSeq, LastSeq) of accepted ballots of an
// election that is mixed as a unit.
type MixBatch struct {
	ElectionID  types.HexBytes `json:"electionId"  cbor:"0,keyasint,omitempty"`
	Index       uint32         `json:"index"       cbor:"1,keyasint,omitempty"`
	FirstSeq    uint64         `json:"firstSeq"    cbor:"2,keyasint,omitempty"`
	LastSeq     uint64         `json:"lastSeq"     cbor:"3,keyasint,omitempty"`
	InputDigest types.HexBytes `json:"inputDigest" cbor:"4,keyasint,omitempty"`
	Status      MixBatchStatus `json:"status"      cbor:"5,keyasint,omitempty"`
	Attempts    int            `json:"attempts"    cbor:"6,keyasint,omitempty"`
	// Final is set on the batch cut at the voting window close.
	Final bool      `json:"final"       cbor:"7,keyasint,omitempty"`
	CutAt time.Time `json:"cutAt"       cbor:"8,keyasint,omitempty"`
}

// Size returns the number of ballots of the batch.
func (b *MixBatch) Size() int {
	return int(b.LastSeq - b.FirstSeq)
}

// ShuffledBatch is the output of one mix stage over one batch.
type ShuffledBatch struct {
	ElectionID types.HexBytes `json:"electionId" cbor:"0,keyasint,omitempty"`
	BatchIndex uint32         `json:"batchIndex" cbor:"1,keyasint,omitempty"`
	Stage      uint8          `json:"stage"      cbor:"2,keyasint,omitempty"`
	// InputDigest identifies the input the stage was run on. For stage 0
	// it is the digest of the accepted ballots of the batch.
	InputDigest types.HexBytes   `json:"inputDigest" cbor:"3,keyasint,omitempty"`
	Ballots     []elgamal.Ballot `json:"ballots"     cbor:"4,keyasint,omitempty"`
	// Context is bound into the Fiat-Shamir challenge of the proof, the
	// challenge itself is re-derived by the verifier.
	Context     types.HexBytes `json:"context"     cbor:"5,keyasint,omitempty"`
	Proof       types.HexBytes `json:"proof"       cbor:"6,keyasint,omitempty"`
	Padding     int            `json:"padding"     cbor:"7,keyasint,omitempty"`
	BallotCount int            `json:"ballotCount" cbor:"8,keyasint,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"   cbor:"9,keyasint,omitempty"`
	// PaddingBallots are the zero ballots appended to the input of stage 0.
	PaddingBallots []elgamal.Ballot `json:"paddingBallots,omitempty" cbor:"10,keyasint,omitempty"`
}

// TrusteeHandle identifies the trustee holding one key share.
type TrusteeHandle struct {
	ID          string         `json:"trusteeId"   cbor:"0,keyasint,omitempty"`
	Index       int            `json:"index"       cbor:"1,keyasint,omitempty"`
	PublicShare types.HexBytes `json:"publicShare" cbor:"2,keyasint,omitempty"`
}

// ElectionKeys is the public outcome of the key generation of an election.
type ElectionKeys struct {
	ElectionID types.HexBytes        `json:"electionId"      cbor:"0,keyasint,omitempty"`
	KeyID      string                `json:"keyId"           cbor:"1,keyasint,omitempty"`
	PublicKey  types.HexBytes        `json:"publicKey"       cbor:"2,keyasint,omitempty"`
	Commits    []types.HexBytes      `json:"commits"         cbor:"3,keyasint,omitempty"`
	Threshold  types.ThresholdConfig `json:"thresholdConfig" cbor:"4,keyasint,omitempty"`
	Trustees   []TrusteeHandle       `json:"trustees"        cbor:"5,keyasint,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"       cbor:"6,keyasint,omitempty"`
}
