// Package merkletree keeps the arbo Merkle trees of the elections: the
// optional eligibility census (keyed by voter address) and the ballot
// commitment tree the receipts are verified against.
package merkletree

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vocdoni/arbo"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/types"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

const (
	treeDBprefix          = "mt_"
	treeDBreferencePrefix = "mr_"
)

var (
	// ErrTreeNotFound is returned when a tree is not found in the database.
	ErrTreeNotFound = errors.New("tree not found in the local database")
	// ErrTreeAlreadyExists is returned by New() if the tree already exists.
	ErrTreeAlreadyExists = errors.New("tree already exists in the local database")
	// ErrKeyNotFound is returned when a key is not found in the Merkle tree.
	ErrKeyNotFound = errors.New("key not found")
	// ErrRootNotFound is returned when no loaded tree has the requested root.
	ErrRootNotFound = errors.New("no tree found with the provided root")

	defaultHashFunction = arbo.HashFunctionSha256
)

// Kind tells the purpose of an election tree.
type Kind string

const (
	KindCensus      Kind = "census"
	KindCommitments Kind = "commitments"
)

// treeNamespace derives the tree ids of the elections.
var treeNamespace = uuid.MustParse("6f1c52a4-8d0e-4b1f-9a43-0f3b9e2d7c10")

// ElectionTreeID returns the deterministic id of the tree of the given kind
// of an election.
func ElectionTreeID(electionID []byte, kind Kind) uuid.UUID {
	return uuid.NewSHA1(treeNamespace, append([]byte(kind+"/"), electionID...))
}

// rootKey converts a root to its canonical hexadecimal string.
func rootKey(root []byte) string {
	return hex.EncodeToString(root)
}

// TreeDB is a persistent database of Merkle trees with an in-memory index
// from current roots to tree ids.
type TreeDB struct {
	mu        sync.RWMutex
	db        db.Database
	loaded    map[uuid.UUID]*TreeRef
	rootIndex map[string]uuid.UUID
}

// NewTreeDB creates a new TreeDB on top of database.
func NewTreeDB(database db.Database) *TreeDB {
	return &TreeDB{
		db:        database,
		loaded:    make(map[uuid.UUID]*TreeRef),
		rootIndex: make(map[string]uuid.UUID),
	}
}

func referenceKey(id uuid.UUID) []byte {
	return append([]byte(treeDBreferencePrefix), id[:]...)
}

// treePrefix returns the prefix of the tree nodes in the database.
func treePrefix(id uuid.UUID) []byte {
	return append([]byte(treeDBprefix), id[:]...)
}

// New creates a new empty tree. It returns ErrTreeAlreadyExists if a tree
// with the given id is already present.
func (t *TreeDB) New(id uuid.UUID) (*TreeRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.loaded[id]; exists {
		return nil, ErrTreeAlreadyExists
	}
	if _, err := t.db.Get(referenceKey(id)); err == nil {
		return nil, ErrTreeAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return nil, err
	}

	ref := &TreeRef{
		ID:        id,
		MaxLevels: types.CommitmentTreeMaxLevels,
		HashType:  string(defaultHashFunction.Type()),
		LastUsed:  time.Now(),
	}
	if err := t.openTree(ref); err != nil {
		return nil, err
	}
	if err := t.writeReference(ref); err != nil {
		return nil, err
	}
	t.index(ref)
	return ref, nil
}

// openTree attaches the arbo tree to the reference.
func (t *TreeDB) openTree(ref *TreeRef) error {
	tree, err := arbo.NewTree(arbo.Config{
		Database:     prefixeddb.NewPrefixedDatabase(t.db, treePrefix(ref.ID)),
		MaxLevels:    ref.MaxLevels,
		HashFunction: defaultHashFunction,
	})
	if err != nil {
		return err
	}
	root, err := tree.Root()
	if err != nil {
		return err
	}
	ref.tree = tree
	ref.currentRoot = root
	ref.onRoot = t.updateRoot
	return nil
}

// index adds a loaded reference to the in-memory maps. Must hold t.mu.
func (t *TreeDB) index(ref *TreeRef) {
	t.loaded[ref.ID] = ref
	if _, exists := t.rootIndex[rootKey(ref.currentRoot)]; !exists {
		t.rootIndex[rootKey(ref.currentRoot)] = ref.ID
	}
}

// writeReference writes a tree reference to the database.
func (t *TreeDB) writeReference(ref *TreeRef) error {
	data, err := cbor.Marshal(ref)
	if err != nil {
		return err
	}
	wtx := t.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set(referenceKey(ref.ID), data); err != nil {
		return err
	}
	return wtx.Commit()
}

// Exists returns true if the tree exists in the local database.
func (t *TreeDB) Exists(id uuid.UUID) bool {
	t.mu.RLock()
	_, exists := t.loaded[id]
	t.mu.RUnlock()
	if exists {
		return true
	}
	_, err := t.db.Get(referenceKey(id))
	return err == nil
}

// Load returns a tree from memory or from the persistent database.
func (t *TreeDB) Load(id uuid.UUID) (*TreeRef, error) {
	t.mu.RLock()
	if ref, exists := t.loaded[id]; exists {
		t.mu.RUnlock()
		return ref, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	// double check, another goroutine may have loaded it meanwhile
	if ref, exists := t.loaded[id]; exists {
		return ref, nil
	}
	data, err := t.db.Get(referenceKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %x", ErrTreeNotFound, id)
		}
		return nil, err
	}
	ref := &TreeRef{}
	if err := cbor.Unmarshal(data, ref); err != nil {
		return nil, err
	}
	if err := t.openTree(ref); err != nil {
		return nil, err
	}
	ref.LastUsed = time.Now()
	if err := t.writeReference(ref); err != nil {
		return nil, err
	}
	t.index(ref)
	return ref, nil
}

// LoadOrNew loads the tree or creates it if it does not exist yet.
func (t *TreeDB) LoadOrNew(id uuid.UUID) (*TreeRef, error) {
	ref, err := t.Load(id)
	if errors.Is(err, ErrTreeNotFound) {
		ref, err = t.New(id)
		if errors.Is(err, ErrTreeAlreadyExists) {
			return t.Load(id)
		}
	}
	return ref, err
}

// Del removes a tree reference and, in the background, its nodes.
func (t *TreeDB) Del(id uuid.UUID) error {
	wtx := t.db.WriteTx()
	if err := wtx.Delete(referenceKey(id)); err != nil {
		wtx.Discard()
		return err
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	t.mu.Lock()
	if ref, exists := t.loaded[id]; exists {
		delete(t.rootIndex, rootKey(ref.currentRoot))
		delete(t.loaded, id)
	}
	t.mu.Unlock()

	go func() {
		if _, err := deleteTreeFromDatabase(t.db, treePrefix(id)); err != nil {
			log.Warnw("error deleting merkle tree", "id", id.String(), "err", err)
		}
	}()
	return nil
}

// deleteTreeFromDatabase removes all the nodes of a tree from the database.
func deleteTreeFromDatabase(kv db.Database, prefix []byte) (int, error) {
	database := prefixeddb.NewPrefixedDatabase(kv, prefix)
	wtx := database.WriteTx()
	defer wtx.Discard()
	count := 0
	err := database.Iterate(nil, func(k, _ []byte) bool {
		if err := wtx.Delete(k); err != nil {
			log.Warnw("could not remove key from database", "key", hex.EncodeToString(k))
		} else {
			count++
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, wtx.Commit()
}

// ProofByRoot finds a tree by its root and generates an inclusion proof
// for key.
func (t *TreeDB) ProofByRoot(root, key []byte) (*types.CensusProof, error) {
	t.mu.RLock()
	id, exists := t.rootIndex[rootKey(root)]
	t.mu.RUnlock()
	if !exists {
		return nil, ErrRootNotFound
	}
	ref, err := t.Load(id)
	if err != nil {
		return nil, err
	}
	return ref.Proof(key)
}

// updateRoot moves the index entry of a tree to its new root.
func (t *TreeDB) updateRoot(ref *TreeRef, oldRoot, newRoot []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.rootIndex[rootKey(oldRoot)]; ok && id == ref.ID {
		delete(t.rootIndex, rootKey(oldRoot))
	}
	t.rootIndex[rootKey(newRoot)] = ref.ID
}
