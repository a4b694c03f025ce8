// Package trustee holds the trustee side of the threshold key: the messages
// of the key generation and threshold decryption protocols, the local
// trustee that keeps its share in storage, and an HTTP client for trustees
// running on other nodes.
package trustee

import (
	"context"
	"errors"

	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/types"
)

var (
	// ErrUnavailable is returned when a trustee cannot be reached. It is
	// the only error worth retrying.
	ErrUnavailable = errors.New("trustee unavailable")
	// ErrNoCeremony is returned when a trustee is asked to finalize a key
	// generation it did not deal for.
	ErrNoCeremony = errors.New("no key generation in progress")
	// ErrAlreadyDealt is returned when the trustee already holds a share
	// for the election from the same ceremony.
	ErrAlreadyDealt = errors.New("trustee already holds a share for the election")
	// ErrNoShare is returned when the trustee holds no share for the
	// election.
	ErrNoShare = errors.New("trustee holds no share for the election")
)

// Trustee is a holder of one share of an election key.
type Trustee interface {
	// ID returns the stable identifier of the trustee.
	ID() string
	// Info returns the public information of the trustee.
	Info(ctx context.Context) (*Info, error)
	// Deal starts the key generation of an election: the trustee picks its
	// secret polynomial and returns its shares sealed to the other
	// trustees.
	Deal(ctx context.Context, req *DealRequest) (*DealResponse, error)
	// Finalize hands the trustee the deals addressed to it. The trustee
	// verifies them, derives and stores its key share and returns the
	// public part.
	Finalize(ctx context.Context, req *FinalizeRequest) (*FinalizeResponse, error)
	// PartialDecrypt returns the partial decryption of the ciphertexts
	// with a proof of correctness.
	PartialDecrypt(ctx context.Context, req *DecryptRequest) (*dkg.PartialDecryption, error)
}

// Info is the public information of a trustee. DealKey is the long-term key
// the shares dealt to the trustee are sealed with.
type Info struct {
	ID      string         `json:"trusteeId"`
	DealKey types.HexBytes `json:"dealKey"`
}

// DealRequest starts the key generation of an election. A request with a
// new CeremonyID abandons any earlier ceremony the trustee did not complete.
type DealRequest struct {
	ElectionID types.HexBytes `json:"electionId" validate:"required"`
	CeremonyID string         `json:"ceremonyId" validate:"required"`
	Index      int            `json:"index"      validate:"min=1"`
	Threshold  int            `json:"threshold"  validate:"min=1"`
	// DealKeys maps the index of every trustee to its deal key.
	DealKeys map[int]types.HexBytes `json:"dealKeys" validate:"min=2"`
}

// DealResponse carries the public commitments of the dealer and the sealed
// shares for every other trustee.
type DealResponse struct {
	Index   int              `json:"index"`
	Commits []types.HexBytes `json:"commits"`
	Deals   []*dkg.Deal      `json:"deals"`
}

// FinalizeRequest carries the deals addressed to one trustee.
type FinalizeRequest struct {
	ElectionID types.HexBytes `json:"electionId" validate:"required"`
	CeremonyID string         `json:"ceremonyId" validate:"required"`
	Index      int            `json:"index"      validate:"min=1"`
	Deals      []*dkg.Deal    `json:"deals"      validate:"min=1"`
}

// FinalizeResponse is the public outcome of the key generation seen by one
// trustee.
type FinalizeResponse struct {
	Index       int              `json:"index"`
	PublicShare types.HexBytes   `json:"publicShare"`
	PublicKey   types.HexBytes   `json:"publicKey"`
	Commits     []types.HexBytes `json:"commits"`
}

// DecryptRequest asks for the partial decryption of the first components of
// a list of ciphertexts. Context is bound into the proof. When KeyID is set
// the trustee only answers with the share of that key generation.
type DecryptRequest struct {
	ElectionID types.HexBytes   `json:"electionId" validate:"required"`
	KeyID      string           `json:"keyId,omitempty"`
	Context    types.HexBytes   `json:"context"`
	C1s        []types.HexBytes `json:"c1s"        validate:"min=1"`
}
