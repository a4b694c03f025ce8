package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/tally"
	"github.com/vottery/vottery-backend/types"
)

// startCheckpointProcessor starts a background goroutine that cuts the full
// mix batches of the active elections while voting goes on, so the mix of
// the final batch is the only work left when an election closes.
func (s *Sequencer) startCheckpointProcessor() {
	ticker := time.NewTicker(s.conf.TickInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		log.Infow("checkpoint processor started", "tickInterval", s.conf.TickInterval.String())
		for {
			select {
			case <-s.ctx.Done():
				log.Infow("checkpoint processor stopped")
				return
			case <-ticker.C:
				s.processCheckpoints()
			}
		}
	}()
}

func (s *Sequencer) processCheckpoints() {
	for _, eid := range s.ElectionIDs() {
		if s.ctx.Err() != nil {
			return
		}
		e, err := s.stg.Election(eid)
		if err != nil {
			log.Warnw("cannot load registered election", "electionID", fmt.Sprintf("%x", eid), "error", err.Error())
			if errors.Is(err, storage.ErrNotFound) {
				s.DelElectionID(eid)
			}
			continue
		}
		if e.Status != types.ElectionStatusActive {
			continue
		}
		n, err := s.mix.CutBatches(eid, false)
		if err != nil {
			log.Warnw("failed to cut checkpoint batches", "electionID", e.ID.String(), "error", err.Error())
			continue
		}
		if n > 0 {
			log.Debugw("checkpoint batches cut", "electionID", e.ID.String(), "batches", n)
		}
	}
}

// startClosedProcessor starts a background goroutine that mixes and tallies
// the closed elections. Elections leave the loop once tallied or halted;
// transient failures, like missing trustees, are retried on the next tick.
func (s *Sequencer) startClosedProcessor() {
	ticker := time.NewTicker(s.conf.TickInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		log.Infow("closed election processor started")
		for {
			select {
			case <-s.ctx.Done():
				log.Infow("closed election processor stopped")
				return
			case <-ticker.C:
				s.processClosed()
			}
		}
	}()
}

func (s *Sequencer) processClosed() {
	for _, eid := range s.ElectionIDs() {
		if s.ctx.Err() != nil {
			return
		}
		e, err := s.stg.Election(eid)
		if err != nil {
			continue
		}
		switch e.Status {
		case types.ElectionStatusClosed:
		case types.ElectionStatusTallied, types.ElectionStatusArchived, types.ElectionStatusHalted:
			s.DelElectionID(eid)
			continue
		default:
			continue
		}
		startTime := time.Now()
		res, err := s.engine.Tally(s.ctx, eid)
		switch {
		case err == nil:
			log.Infow("election tallied",
				"electionID", e.ID.String(),
				"totalVotes", res.TotalVotes,
				"duration", time.Since(startTime).String())
			s.DelElectionID(eid)
		case errors.Is(err, mixnet.ErrElectionHalted):
			log.Errorw(err, "election halted")
			s.DelElectionID(eid)
		case errors.Is(err, tally.ErrMixPending):
			log.Debugw("mix pending", "electionID", e.ID.String())
		default:
			log.Warnw("tally failed, will retry",
				"electionID", e.ID.String(),
				"error", err.Error())
		}
	}
}

// archiveTallied archives the elections tallied before the retention
// period.
func (s *Sequencer) archiveTallied() {
	elections, err := s.stg.ElectionsByStatus(types.ElectionStatusTallied)
	if err != nil {
		log.Errorw(err, "archive job cannot list tallied elections")
		return
	}
	deadline := time.Now().Add(-s.conf.ArchiveAfter)
	archived := 0
	for _, e := range elections {
		res, err := s.stg.Tally(e.ID)
		if err != nil {
			log.Warnw("tallied election without result", "electionID", e.ID.String(), "error", err.Error())
			continue
		}
		if res.TalliedAt.After(deadline) {
			continue
		}
		if _, err := s.stg.SetElectionStatus(e.ID, types.ElectionStatusArchived); err != nil {
			log.Warnw("cannot archive election", "electionID", e.ID.String(), "error", err.Error())
			continue
		}
		archived++
	}
	if archived > 0 {
		log.Infow("elections archived", "count", archived)
	}
}
