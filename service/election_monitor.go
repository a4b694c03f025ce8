package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/types"
)

// DefaultMonitorInterval is the period of the election window checks.
const DefaultMonitorInterval = 5 * time.Second

// ElectionMonitor represents a service that opens and closes the voting
// windows of the elections when their start and end times are reached.
type ElectionMonitor struct {
	windows  WindowController
	storage  *storage.Storage
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// WindowController defines the operations that move an election through
// its voting window.
type WindowController interface {
	Activate(electionID []byte) error
	CloseElection(electionID []byte, organizer *common.Address) (*types.Election, error)
}

// NewElectionMonitor creates a new ElectionMonitor service.
func NewElectionMonitor(windows WindowController, stg *storage.Storage, interval time.Duration) *ElectionMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &ElectionMonitor{
		windows:  windows,
		storage:  stg,
		interval: interval,
	}
}

// Start begins monitoring the election windows. It returns an error if
// the service is already running.
func (em *ElectionMonitor) Start(ctx context.Context) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	em.cancel = cancel
	em.done = make(chan struct{})
	go em.monitorElections(ctx, em.done)
	return nil
}

// Stop halts the monitoring service.
func (em *ElectionMonitor) Stop() {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.cancel != nil {
		em.cancel()
		<-em.done
		em.cancel = nil
	}
}

func (em *ElectionMonitor) monitorElections(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(em.interval)
	defer ticker.Stop()
	for {
		em.CheckWindows(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckWindows activates the published elections whose start time is due
// and closes the ones whose end time has passed. It returns the number of
// elections moved.
func (em *ElectionMonitor) CheckWindows(now time.Time) int {
	elections, err := em.storage.ElectionsByStatus(types.ElectionStatusPublished, types.ElectionStatusActive)
	if err != nil {
		log.Warnw("cannot list elections", "error", err.Error())
		return 0
	}
	moved := 0
	for _, e := range elections {
		ended := !e.EndTime.IsZero() && !now.Before(e.EndTime)
		switch {
		case ended:
			if _, err := em.windows.CloseElection(e.ID, nil); err != nil {
				log.Warnw("failed to close election", "electionID", e.ID.String(), "error", err.Error())
				continue
			}
			log.Infow("voting window ended", "electionID", e.ID.String())
		case e.Status == types.ElectionStatusPublished && !now.Before(e.StartTime):
			if err := em.windows.Activate(e.ID); err != nil {
				log.Warnw("failed to activate election", "electionID", e.ID.String(), "error", err.Error())
				continue
			}
			log.Infow("voting window started", "electionID", e.ID.String())
		default:
			continue
		}
		moved++
	}
	return moved
}
