// Package sequencer drives the elections through their life: it accepts
// ballots, cuts the mix batches while voting goes on and, once an election
// is closed, mixes and tallies it. Tallied elections are archived after a
// retention period.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/nullifier"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/tally"
)

const (
	// DefaultTickInterval is the period of the processing loops.
	DefaultTickInterval = 5 * time.Second
	// DefaultArchiveAfter is how long a tallied election stays available
	// before it is archived.
	DefaultArchiveAfter = 7 * 24 * time.Hour
	// DefaultArchiveSchedule is the cron spec of the archive job.
	DefaultArchiveSchedule = "@hourly"
)

// Config holds the timing of the sequencer. Zero values take the defaults.
type Config struct {
	TickInterval    time.Duration
	ArchiveAfter    time.Duration
	ArchiveSchedule string
}

// Sequencer is the orchestrator of the voting pipeline.
type Sequencer struct {
	stg       *storage.Storage
	trees     *merkletree.TreeDB
	authority *keyauthority.Authority
	registry  *nullifier.Registry
	mix       *mixnet.Mixnet
	engine    *tally.Engine
	receipts  *receipts.Service

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup

	eids     map[string]time.Time // election ids followed by the loops and their last update
	eidsLock sync.RWMutex

	conf Config
}

// New creates a sequencer over the storage. Key generation and threshold
// decryption go through the given key authority.
func New(stg *storage.Storage, authority *keyauthority.Authority, conf Config) (*Sequencer, error) {
	if stg == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if authority == nil {
		return nil, fmt.Errorf("key authority cannot be nil")
	}
	if conf.TickInterval <= 0 {
		conf.TickInterval = DefaultTickInterval
	}
	if conf.ArchiveAfter <= 0 {
		conf.ArchiveAfter = DefaultArchiveAfter
	}
	if conf.ArchiveSchedule == "" {
		conf.ArchiveSchedule = DefaultArchiveSchedule
	}
	trees := merkletree.NewTreeDB(stg.DB())
	mix := mixnet.New(stg)
	s := &Sequencer{
		stg:       stg,
		trees:     trees,
		authority: authority,
		registry:  nullifier.New(stg),
		mix:       mix,
		engine:    tally.New(stg, trees, mix, authority),
		receipts:  receipts.New(stg, trees),
		eids:      make(map[string]time.Time),
		conf:      conf,
	}
	log.Debugw("sequencer initialized",
		"tickInterval", conf.TickInterval.String(),
		"archiveAfter", conf.ArchiveAfter.String())
	return s, nil
}

// Start resumes the elections left in progress and starts the processing
// loops and the archive job.
func (s *Sequencer) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if s.cancel != nil {
		return fmt.Errorf("sequencer already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	// reservations do not survive a restart
	if err := s.stg.ReleaseReservations(); err != nil {
		log.Warnw("cannot release reservations", "error", err.Error())
	}
	if err := s.resume(); err != nil {
		s.cancel()
		return fmt.Errorf("failed to resume elections: %w", err)
	}

	s.startCheckpointProcessor()
	s.startClosedProcessor()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.conf.ArchiveSchedule, s.archiveTallied); err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule the archive job: %w", err)
	}
	s.cron.Start()

	log.Infow("sequencer started successfully")
	return nil
}

// Stop shuts down the loops and the archive job and waits for them.
// It's safe to call Stop multiple times.
func (s *Sequencer) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.cancel = nil
	log.Infow("sequencer stopped")
	return nil
}

// Storage returns the storage of the sequencer.
func (s *Sequencer) Storage() *storage.Storage { return s.stg }

// Authority returns the key authority.
func (s *Sequencer) Authority() *keyauthority.Authority { return s.authority }

// Mixnet returns the mixnet.
func (s *Sequencer) Mixnet() *mixnet.Mixnet { return s.mix }

// TallyEngine returns the tally engine.
func (s *Sequencer) TallyEngine() *tally.Engine { return s.engine }

// Receipts returns the receipt service.
func (s *Sequencer) Receipts() *receipts.Service { return s.receipts }

// Registry returns the nullifier registry.
func (s *Sequencer) Registry() *nullifier.Registry { return s.registry }

// AddElectionID registers an election with the processing loops. If the
// election is already registered, this operation has no effect.
func (s *Sequencer) AddElectionID(eid []byte) {
	if len(eid) == 0 {
		log.Warnw("attempted to add empty election ID")
		return
	}
	s.eidsLock.Lock()
	defer s.eidsLock.Unlock()
	if _, exists := s.eids[string(eid)]; exists {
		return
	}
	s.eids[string(eid)] = time.Now()
	log.Infow("election registered for sequencing", "electionID", fmt.Sprintf("%x", eid))
}

// DelElectionID unregisters an election from the processing loops.
func (s *Sequencer) DelElectionID(eid []byte) {
	s.eidsLock.Lock()
	defer s.eidsLock.Unlock()
	if _, exists := s.eids[string(eid)]; exists {
		delete(s.eids, string(eid))
		log.Infow("election unregistered from sequencing", "electionID", fmt.Sprintf("%x", eid))
	}
}

// ElectionIDs returns the registered elections.
func (s *Sequencer) ElectionIDs() [][]byte {
	s.eidsLock.RLock()
	defer s.eidsLock.RUnlock()
	out := make([][]byte, 0, len(s.eids))
	for eid := range s.eids {
		out = append(out, []byte(eid))
	}
	return out
}
