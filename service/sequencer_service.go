package service

import (
	"context"

	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/storage"
)

// SequencerService represents a service that handles background election
// processing.
type SequencerService struct {
	sequencer *sequencer.Sequencer
}

// NewSequencer creates a new sequencer instance. While elections are open
// it cuts their mix batches; once closed it mixes and tallies them through
// the key authority, and it archives them after the retention period.
func NewSequencer(stg *storage.Storage, authority *keyauthority.Authority, conf sequencer.Config) (*SequencerService, error) {
	s, err := sequencer.New(stg, authority, conf)
	if err != nil {
		return nil, err
	}
	return &SequencerService{
		sequencer: s,
	}, nil
}

// Sequencer returns the wrapped sequencer.
func (ss *SequencerService) Sequencer() *sequencer.Sequencer {
	return ss.sequencer
}

// Start begins the election processing service. It returns an error if the service is already running.
func (ss *SequencerService) Start(ctx context.Context) error {
	return ss.sequencer.Start(ctx)
}

// Stop halts the election processing service.
func (ss *SequencerService) Stop() {
	if err := ss.sequencer.Stop(); err != nil {
		log.Warnw("sequencer service stopped", "error", err)
	}
}
