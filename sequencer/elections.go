package sequencer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
)

var (
	// ErrInvalidStatus is returned when an operation is not allowed in the
	// current status of the election.
	ErrInvalidStatus = errors.New("operation not allowed in the current election status")
	// ErrNotEligible is returned when the voter is not in the census of the
	// election.
	ErrNotEligible = errors.New("voter not eligible")
	// ErrNotOrganizer is returned when a management operation does not come
	// from the organizer of the election.
	ErrNotOrganizer = errors.New("not the election organizer")
)

// censusLeafValue is the value of every census leaf, membership is all that
// matters.
var censusLeafValue = []byte{1}

// CreateElection validates and stores a new election in draft status.
func (s *Sequencer) CreateElection(e *types.Election) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if len(e.ID) == 0 {
		id := &types.ElectionID{
			Organizer: e.Organizer,
			Nonce:     binary.BigEndian.Uint64(util.RandomBytes(8)),
			Namespace: types.ElectionNamespace,
		}
		e.ID = id.Marshal()
	}
	if e.Threshold.N == 0 {
		e.Threshold.N = len(s.authority.Trustees())
	}
	if e.Threshold.K == 0 {
		e.Threshold.K = e.Threshold.N/2 + 1
	}
	if e.CheckpointSize == 0 {
		e.CheckpointSize = types.DefaultCheckpointSize
	}
	if e.MixStages == 0 {
		e.MixStages = types.DefaultMixStages
	}
	e.Status = types.ElectionStatusDraft
	e.PublicKey, e.KeyID, e.CensusRoot = nil, "", nil
	e.CreatedAt = time.Now()
	if err := s.stg.NewElection(e); err != nil {
		return err
	}
	log.Infow("election created",
		"electionID", e.ID.String(),
		"organizer", e.Organizer.Hex(),
		"candidates", len(e.Candidates))
	return nil
}

// Election returns a stored election.
func (s *Sequencer) Election(eid []byte) (*types.Election, error) {
	return s.stg.Election(eid)
}

func (s *Sequencer) checkOrganizer(e *types.Election, who common.Address) error {
	if e.Organizer != who {
		return fmt.Errorf("%w: %s", ErrNotOrganizer, who.Hex())
	}
	return nil
}

// AddToCensus adds voters to the eligibility census of an election that
// has not started yet and returns the new census root. Elections without a
// census are open to every authenticated voter.
func (s *Sequencer) AddToCensus(eid []byte, organizer common.Address, voters []common.Address) (types.HexBytes, error) {
	e, err := s.stg.Election(eid)
	if err != nil {
		return nil, err
	}
	if err := s.checkOrganizer(e, organizer); err != nil {
		return nil, err
	}
	if e.Status != types.ElectionStatusDraft && e.Status != types.ElectionStatusPublished {
		return nil, fmt.Errorf("%w: census of a %s election", ErrInvalidStatus, e.Status)
	}
	tree, err := s.trees.LoadOrNew(merkletree.ElectionTreeID(eid, merkletree.KindCensus))
	if err != nil {
		return nil, fmt.Errorf("census tree: %w", err)
	}
	keys := make([][]byte, 0, len(voters))
	values := make([][]byte, 0, len(voters))
	for _, v := range voters {
		keys = append(keys, v.Bytes())
		values = append(values, censusLeafValue)
	}
	invalid, err := tree.InsertBatch(keys, values)
	if err != nil {
		return nil, fmt.Errorf("census tree: %w", err)
	}
	if len(invalid) > 0 {
		log.Debugw("census entries skipped", "electionID", e.ID.String(), "count", len(invalid))
	}
	root := tree.Root()
	if _, err := s.stg.UpdateElection(eid, func(e *types.Election) error {
		e.CensusRoot = root
		return nil
	}); err != nil {
		return nil, err
	}
	return root, nil
}

// Eligibility returns the census proof of a voter, or nil if the election
// has no census. It returns ErrNotEligible for voters out of the census.
func (s *Sequencer) Eligibility(e *types.Election, voter common.Address) (*types.CensusProof, error) {
	if len(e.CensusRoot) == 0 {
		return nil, nil
	}
	tree, err := s.trees.Load(merkletree.ElectionTreeID(e.ID, merkletree.KindCensus))
	if err != nil {
		return nil, fmt.Errorf("census tree: %w", err)
	}
	proof, err := tree.Proof(voter.Bytes())
	if errors.Is(err, merkletree.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, voter.Hex())
	}
	if err != nil {
		return nil, err
	}
	if !merkletree.VerifyProof(proof) {
		return nil, fmt.Errorf("%w: invalid census proof", ErrNotEligible)
	}
	return proof, nil
}

// GenerateKeys runs the key generation of a draft election and publishes
// it.
func (s *Sequencer) GenerateKeys(ctx context.Context, eid []byte, organizer common.Address) (*storage.ElectionKeys, error) {
	e, err := s.stg.Election(eid)
	if err != nil {
		return nil, err
	}
	if err := s.checkOrganizer(e, organizer); err != nil {
		return nil, err
	}
	if e.Status != types.ElectionStatusDraft {
		return nil, fmt.Errorf("%w: keys of a %s election", ErrInvalidStatus, e.Status)
	}
	keys, err := s.authority.GenerateElectionKeys(ctx, eid, e.Threshold.K, e.Threshold.N)
	if err != nil {
		return nil, err
	}
	if _, err := s.stg.UpdateElection(eid, func(e *types.Election) error {
		if !e.Status.CanTransition(types.ElectionStatusPublished) {
			return fmt.Errorf("%w: %s", storage.ErrInvalidTransition, e.Status)
		}
		e.PublicKey, e.KeyID = keys.PublicKey, keys.KeyID
		e.Status = types.ElectionStatusPublished
		return nil
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Activate opens the voting window of a published election.
func (s *Sequencer) Activate(eid []byte) error {
	if _, err := s.stg.SetElectionStatus(eid, types.ElectionStatusActive); err != nil {
		return err
	}
	s.AddElectionID(eid)
	return nil
}

// CloseElection freezes the submissions of an election. The final batch
// is cut, mixed and tallied by the processing loops, or on demand.
func (s *Sequencer) CloseElection(eid []byte, organizer *common.Address) (*types.Election, error) {
	e, err := s.stg.Election(eid)
	if err != nil {
		return nil, err
	}
	if organizer != nil {
		if err := s.checkOrganizer(e, *organizer); err != nil {
			return nil, err
		}
	}
	e, err = s.stg.UpdateElection(eid, func(e *types.Election) error {
		if e.Status == types.ElectionStatusClosed {
			return nil
		}
		if !e.Status.CanTransition(types.ElectionStatusClosed) || e.Status == types.ElectionStatusHalted {
			return fmt.Errorf("%w: close a %s election", ErrInvalidStatus, e.Status)
		}
		e.Status = types.ElectionStatusClosed
		e.ClosedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.AddElectionID(eid)
	log.Infow("election closed", "electionID", e.ID.String())
	return e, nil
}

// ProcessMix mixes the batches of a closed election.
func (s *Sequencer) ProcessMix(ctx context.Context, eid []byte) (string, error) {
	status, err := s.mix.Process(ctx, eid)
	return string(status), err
}

// Tally tallies a closed election, mixing it first if needed.
func (s *Sequencer) Tally(ctx context.Context, eid []byte) (*types.TallyResult, error) {
	return s.engine.Tally(ctx, eid)
}

// resume registers the elections that still need processing.
func (s *Sequencer) resume() error {
	elections, err := s.stg.ElectionsByStatus(types.ElectionStatusActive, types.ElectionStatusClosed)
	if err != nil {
		return err
	}
	for _, e := range elections {
		s.AddElectionID(e.ID)
	}
	return nil
}
