package storage

import (
	"fmt"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"go.dedis.ch/kyber/v3"
)

func keyShareKey(trusteeID string, electionID []byte) []byte {
	return joinKey(hashKey([]byte(trusteeID)), electionID)
}

// KeyShareRecord is a stored key share together with the key generation
// ceremony that produced it.
type KeyShareRecord struct {
	CeremonyID string        `cbor:"0,keyasint,omitempty"`
	Share      *dkg.KeyShare `cbor:"1,keyasint"`
}

// SetKeyShare stores the key share a trustee holds for an election, as the
// outcome of the given ceremony. The share is verified against its
// commitments before being written; a share from an earlier ceremony is
// replaced.
func (s *Storage) SetKeyShare(trusteeID string, electionID []byte, ceremonyID string, ks *dkg.KeyShare) error {
	if err := ks.Verify(); err != nil {
		return fmt.Errorf("refusing to store key share: %w", err)
	}
	return s.setArtifact(keySharePrefix, keyShareKey(trusteeID, electionID), &KeyShareRecord{CeremonyID: ceremonyID, Share: ks})
}

// KeyShareRecord returns the key share of a trustee for an election with
// the ceremony it comes from.
func (s *Storage) KeyShareRecord(trusteeID string, electionID []byte) (*KeyShareRecord, error) {
	rec := &KeyShareRecord{}
	if err := s.getArtifact(keySharePrefix, keyShareKey(trusteeID, electionID), rec); err != nil {
		return nil, err
	}
	if rec.Share == nil {
		return nil, fmt.Errorf("decode artifact: empty key share")
	}
	return rec, nil
}

// KeyShare returns the key share of a trustee for an election.
func (s *Storage) KeyShare(trusteeID string, electionID []byte) (*dkg.KeyShare, error) {
	rec, err := s.KeyShareRecord(trusteeID, electionID)
	if err != nil {
		return nil, err
	}
	return rec.Share, nil
}

// TrusteeKey returns the long-term key pair of a trustee, used to open the
// shares sealed to it during the key generation. The key is created on
// first use.
func (s *Storage) TrusteeKey(trusteeID string) (kyber.Scalar, kyber.Point, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	var raw []byte
	err := s.getArtifact(trusteeKeyPrefix, []byte(trusteeID), &raw)
	switch {
	case err == nil:
		priv, err := crypto.ScalarFromBytes(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("decode trustee key: %w", err)
		}
		return priv, crypto.Suite.Point().Mul(priv, nil), nil
	case err != ErrNotFound:
		return nil, nil, err
	}
	priv := crypto.Suite.Scalar().Pick(crypto.Suite.RandomStream())
	if err := s.setArtifact(trusteeKeyPrefix, []byte(trusteeID), crypto.ScalarBytes(priv)); err != nil {
		return nil, nil, err
	}
	return priv, crypto.Suite.Point().Mul(priv, nil), nil
}
