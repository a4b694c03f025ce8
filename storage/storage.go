// storage package contains all the artifacts that are stored in the database,
// but also is an abstraction of a queue for the processing of them by different
// services. The storage package includes a prefixed key-value store that allows
// to store the different types of artifacts in the database. The following
// prefixes are used:
//   - 'e/' for elections
//   - 'ek/' for election keys (public key, polynomial commitments, trustees)
//   - 'pp/' for per election peppers of the voter secret derivation
//   - 'b/' for accepted ballots, keyed by election and sequence number
//   - 'n/' for consumed nullifiers
//   - 'bc/' for the per election ballot counter
//   - 'r/' for receipts, keyed by verification code
//   - 'mb/' for mix batches (queued)
//   - 'sb/' for shuffled batches, keyed by election, batch and stage
//   - 't/' for tally results
//   - 'a/' for audit records
//   - 'ks/' for trustee key shares
//   - 'tk/' for trustee long-term keys
//   - 'rs/' for reservations of queued artifacts
//
// Only mix batches support queue operations.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"go.vocdoni.io/dvote/db"
)

var (
	// Prefixes for the keys in the database.
	electionPrefix      = []byte("e/")
	electionKeysPrefix  = []byte("ek/")
	pepperPrefix        = []byte("pp/")
	ballotPrefix        = []byte("b/")
	nullifierPrefix     = []byte("n/")
	ballotCounterPrefix = []byte("bc/")
	receiptPrefix       = []byte("r/")
	mixBatchPrefix      = []byte("mb/")
	shuffledBatchPrefix = []byte("sb/")
	tallyPrefix         = []byte("t/")
	auditPrefix         = []byte("a/")
	keySharePrefix      = []byte("ks/")
	trusteeKeyPrefix    = []byte("tk/")
	reservationPrefix   = []byte("rs/")
)

const (
	// maxKeySize is the maximum size of the key in bytes. It is used to
	// generate the key of the artifacts stored in the database by truncating
	// the hash of the artifact itself.
	maxKeySize = 12
)

var (
	// ErrNotFound is returned when the requested artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoMoreElements is returned by queue operations when nothing is left
	// to process.
	ErrNoMoreElements = errors.New("no more elements")
	// ErrNullifierExists is returned when a ballot is stored with an already
	// consumed nullifier.
	ErrNullifierExists = errors.New("nullifier already consumed")
	// ErrAlreadyExists is returned when an artifact that must be written
	// once is written again.
	ErrAlreadyExists = errors.New("already exists")
	// ErrElectionExists is returned when an election id is taken. It wraps
	// ErrAlreadyExists.
	ErrElectionExists = fmt.Errorf("election %w", ErrAlreadyExists)
	// ErrElectionFrozen is returned when a ballot reaches a closed election.
	ErrElectionFrozen = errors.New("election does not accept ballots")
)

// Storage is the interface that wraps the basic methods to interact with the
// storage.
type Storage struct {
	db db.Database
	// globalLock serializes queue reservations.
	globalLock sync.Mutex
	// electionLocks serializes writes that read-modify-write per election
	// state (ballot counter, nullifiers, status).
	electionLocks sync.Map
}

// New creates a new Storage instance.
func New(db db.Database) *Storage {
	return &Storage{db: db}
}

// Close closes the storage.
func (s *Storage) Close() {
	s.db.Close()
}

// DB returns the underlying database, used to host the merkle trees.
func (s *Storage) DB() db.Database {
	return s.db
}

// lockElection locks the per election mutex and returns the unlock function.
func (s *Storage) lockElection(electionID []byte) func() {
	v, _ := s.electionLocks.LoadOrStore(string(electionID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
