package merkletree

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/arbo"
	"github.com/vottery/vottery-backend/types"
)

// TreeRef is a reference to a Merkle tree. All accesses to the underlying
// tree and its current root are protected by treeMu.
type TreeRef struct {
	ID        uuid.UUID `cbor:"0,keyasint,omitempty"`
	MaxLevels int       `cbor:"1,keyasint,omitempty"`
	HashType  string    `cbor:"2,keyasint,omitempty"`
	LastUsed  time.Time `cbor:"3,keyasint,omitempty"`

	currentRoot []byte
	tree        *arbo.Tree
	treeMu      sync.Mutex
	onRoot      func(ref *TreeRef, oldRoot, newRoot []byte)
}

// KeyLen is the length of the tree keys in bytes.
func KeyLen() int {
	return types.CommitmentTreeMaxLevels / 8
}

// LeafKey maps arbitrary data to a tree key by hashing and truncating it.
// Voter addresses already have the key length and are used as they are.
func LeafKey(data []byte) []byte {
	if len(data) == KeyLen() {
		return bytes.Clone(data)
	}
	h := sha256.Sum256(data)
	return h[:KeyLen()]
}

func (tr *TreeRef) commit(oldRoot []byte) error {
	newRoot, err := tr.tree.Root()
	if err != nil {
		return err
	}
	tr.currentRoot = newRoot
	if tr.onRoot != nil && !bytes.Equal(oldRoot, newRoot) {
		tr.onRoot(tr, oldRoot, newRoot)
	}
	return nil
}

// Insert adds a key/value pair to the tree.
func (tr *TreeRef) Insert(key, value []byte) error {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	old := tr.currentRoot
	if err := tr.tree.Add(key, value); err != nil {
		return err
	}
	return tr.commit(old)
}

// InsertBatch adds many key/value pairs to the tree. The returned slice
// holds the pairs that could not be added, such as duplicated keys.
func (tr *TreeRef) InsertBatch(keys, values [][]byte) ([]arbo.Invalid, error) {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	old := tr.currentRoot
	invalid, err := tr.tree.AddBatch(keys, values)
	if err != nil {
		return invalid, err
	}
	return invalid, tr.commit(old)
}

// Root returns the current root of the tree.
func (tr *TreeRef) Root() []byte {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	return bytes.Clone(tr.currentRoot)
}

// Size returns the number of leaves of the tree.
func (tr *TreeRef) Size() int {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	size, err := tr.tree.GetNLeafs()
	if err != nil {
		return 0
	}
	return size
}

// Contains reports whether the key is a leaf of the tree.
func (tr *TreeRef) Contains(key []byte) bool {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	_, _, err := tr.tree.Get(key)
	return err == nil
}

// Proof generates an inclusion proof for key against the current root. It
// returns ErrKeyNotFound if the key is not a leaf of the tree.
func (tr *TreeRef) Proof(key []byte) (*types.CensusProof, error) {
	tr.treeMu.Lock()
	defer tr.treeMu.Unlock()
	k, value, siblings, inclusion, err := tr.tree.GenProof(key)
	if err != nil {
		if errors.Is(err, arbo.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("generate proof: %w", err)
	}
	if !inclusion {
		return nil, ErrKeyNotFound
	}
	return &types.CensusProof{
		Root:      bytes.Clone(tr.currentRoot),
		Key:       k,
		Value:     value,
		Siblings:  siblings,
		Existence: true,
	}, nil
}

// VerifyProof verifies an inclusion proof against its root.
func VerifyProof(p *types.CensusProof) bool {
	if p == nil {
		return false
	}
	valid, err := arbo.CheckProof(defaultHashFunction, p.Key, p.Value, p.Root, p.Siblings)
	if err != nil {
		return false
	}
	return valid
}
