package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ElectionStatus is the lifecycle state of an election.
type ElectionStatus uint8

const (
	ElectionStatusDraft ElectionStatus = iota
	ElectionStatusPublished
	ElectionStatusActive
	ElectionStatusClosed
	ElectionStatusTallied
	ElectionStatusArchived
	// ElectionStatusHalted is set when an integrity failure stops the
	// pipeline. Only an auditor can move the election out of it.
	ElectionStatusHalted
)

var electionStatusNames = map[ElectionStatus]string{
	ElectionStatusDraft:     "draft",
	ElectionStatusPublished: "published",
	ElectionStatusActive:    "active",
	ElectionStatusClosed:    "closed",
	ElectionStatusTallied:   "tallied",
	ElectionStatusArchived:  "archived",
	ElectionStatusHalted:    "halted",
}

// allowedTransitions lists the valid next states for every state.
var allowedTransitions = map[ElectionStatus][]ElectionStatus{
	ElectionStatusDraft:     {ElectionStatusPublished},
	ElectionStatusPublished: {ElectionStatusActive, ElectionStatusClosed},
	ElectionStatusActive:    {ElectionStatusClosed},
	ElectionStatusClosed:    {ElectionStatusTallied, ElectionStatusHalted},
	ElectionStatusTallied:   {ElectionStatusArchived},
	ElectionStatusHalted:    {ElectionStatusClosed},
}

func (s ElectionStatus) String() string {
	if name, ok := electionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// CanTransition reports whether the status can move to next.
func (s ElectionStatus) CanTransition(next ElectionStatus) bool {
	for _, st := range allowedTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// Frozen reports whether ballot submissions are closed for good.
func (s ElectionStatus) Frozen() bool {
	return s >= ElectionStatusClosed
}

func (s ElectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ElectionStatus) UnmarshalText(data []byte) error {
	for st, name := range electionStatusNames {
		if name == string(data) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown election status %q", data)
}

// Candidate is one of the ordered options of an election.
type Candidate struct {
	ID   string `json:"candidateId" cbor:"0,keyasint,omitempty"`
	Name string `json:"name"        cbor:"1,keyasint,omitempty"`
}

// ThresholdConfig is the k-of-n trustee configuration of an election.
type ThresholdConfig struct {
	K int `json:"k" cbor:"0,keyasint,omitempty"`
	N int `json:"n" cbor:"1,keyasint,omitempty"`
}

// Election is the stored election definition.
type Election struct {
	ID             HexBytes        `json:"id"                   cbor:"0,keyasint,omitempty"`
	Organizer      common.Address  `json:"organizer"            cbor:"1,keyasint,omitempty"`
	Title          string          `json:"title"                cbor:"2,keyasint,omitempty"`
	Candidates     []Candidate     `json:"candidates"           cbor:"3,keyasint,omitempty"`
	StartTime      time.Time       `json:"startTime"            cbor:"4,keyasint,omitempty"`
	EndTime        time.Time       `json:"endTime"              cbor:"5,keyasint,omitempty"`
	Threshold      ThresholdConfig `json:"thresholdConfig"      cbor:"6,keyasint,omitempty"`
	Status         ElectionStatus  `json:"status"               cbor:"7,keyasint,omitempty"`
	PublicKey      HexBytes        `json:"publicKey,omitempty"  cbor:"8,keyasint,omitempty"`
	KeyID          string          `json:"keyId,omitempty"      cbor:"9,keyasint,omitempty"`
	CensusRoot     HexBytes        `json:"censusRoot,omitempty" cbor:"10,keyasint,omitempty"`
	CheckpointSize int             `json:"checkpointSize"       cbor:"11,keyasint,omitempty"`
	MixStages      int             `json:"mixStages"            cbor:"12,keyasint,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"            cbor:"13,keyasint,omitempty"`
	ClosedAt       time.Time       `json:"closedAt"             cbor:"14,keyasint,omitempty"`
}

func (e *Election) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

// Validate checks the static fields of an election definition.
func (e *Election) Validate() error {
	if len(e.Candidates) < MinCandidates {
		return fmt.Errorf("election needs at least %d candidates, got %d", MinCandidates, len(e.Candidates))
	}
	if len(e.Candidates) > MaxCandidates {
		return fmt.Errorf("election supports at most %d candidates, got %d", MaxCandidates, len(e.Candidates))
	}
	seen := make(map[string]bool, len(e.Candidates))
	for _, c := range e.Candidates {
		if c.ID == "" {
			return fmt.Errorf("candidate without id")
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicated candidate id %q", c.ID)
		}
		seen[c.ID] = true
	}
	if !e.EndTime.IsZero() && !e.EndTime.After(e.StartTime) {
		return fmt.Errorf("end time must be after start time")
	}
	return nil
}

// AcceptsBallots reports whether a ballot cast at t is inside the voting
// window of an active election.
func (e *Election) AcceptsBallots(t time.Time) bool {
	if e.Status != ElectionStatusActive {
		return false
	}
	if !e.StartTime.IsZero() && t.Before(e.StartTime) {
		return false
	}
	return e.EndTime.IsZero() || t.Before(e.EndTime)
}
