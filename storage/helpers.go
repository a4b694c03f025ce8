package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var encMode = func() cbor.EncMode {
	encOpts := cbor.CoreDetEncOptions()
	// keep sub-second precision, timestamps order audit records
	encOpts.Time = cbor.TimeRFC3339Nano
	em, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoding mode: %v", err))
	}
	return em
}()

// Artifact encoding/decoding
func encodeArtifact(a any) ([]byte, error) {
	return encMode.Marshal(a)
}

func decodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}

func hashKey(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:maxKeySize]
}

// joinKey concatenates the parts of a composite key into a new slice.
func joinKey(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func uint64Key(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func uint32Key(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// setArtifact encodes and stores an artifact under prefix+key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := encodeArtifact(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact loads and decodes the artifact stored under prefix+key into
// out. It returns ErrNotFound if the key does not exist.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	rTx := prefixeddb.NewPrefixedReader(s.db, prefix)
	data, err := rTx.Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := decodeArtifact(data, out); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}
	return nil
}

// hasArtifact reports whether prefix+key exists.
func (s *Storage) hasArtifact(prefix, key []byte) (bool, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, prefix)
	if _, err := rTx.Get(key); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// deleteArtifact removes prefix+key. It returns ErrNotFound if the key does
// not exist.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	exists, err := s.hasArtifact(prefix, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// listArtifacts returns the keys stored under prefix+sub, without the
// prefixes.
func (s *Storage) listArtifacts(prefix, sub []byte) ([][]byte, error) {
	rTx := prefixeddb.NewPrefixedReader(s.db, prefix)
	var keys [][]byte
	if err := rTx.Iterate(sub, func(k, _ []byte) bool {
		keys = append(keys, bytes.Clone(k))
		return true
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// iterateArtifacts decodes every value stored under prefix+sub with the
// decode callback, in key order. Iteration stops when the callback returns
// false or an error.
func (s *Storage) iterateArtifacts(prefix, sub []byte, fn func(key, value []byte) (bool, error)) error {
	rTx := prefixeddb.NewPrefixedReader(s.db, prefix)
	var ferr error
	if err := rTx.Iterate(sub, func(k, v []byte) bool {
		cont, err := fn(bytes.Clone(k), bytes.Clone(v))
		if err != nil {
			ferr = err
			return false
		}
		return cont
	}); err != nil {
		return err
	}
	return ferr
}

// setReservation marks prefix+key as taken by a worker.
func (s *Storage) setReservation(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), reservationPrefix)
	defer wTx.Discard()
	if err := wTx.Set(joinKey(prefix, key), []byte{1}); err != nil {
		return err
	}
	return wTx.Commit()
}

// isReserved reports whether prefix+key is taken by a worker.
func (s *Storage) isReserved(prefix, key []byte) bool {
	exists, err := s.hasArtifact(reservationPrefix, joinKey(prefix, key))
	return err == nil && exists
}

func (s *Storage) deleteReservation(prefix, key []byte) error {
	return s.deleteArtifact(reservationPrefix, joinKey(prefix, key))
}

// ReleaseReservations drops every reservation. Called on startup, since a
// reservation only lives as long as the worker that made it.
func (s *Storage) ReleaseReservations() error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	keys, err := s.listArtifacts(reservationPrefix, nil)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), reservationPrefix)
	defer wTx.Discard()
	for _, k := range keys {
		if err := wTx.Delete(k); err != nil {
			return err
		}
	}
	return wTx.Commit()
}
