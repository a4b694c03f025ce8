package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ElectionIDLen is the size of a marshaled ElectionID.
const ElectionIDLen = 32

// ElectionID is the type to identify an election. It is composed of:
// - Namespace (4 bytes)
// - Organizer address (20 bytes)
// - Nonce (8 bytes)
type ElectionID struct {
	Organizer common.Address
	Nonce     uint64
	Namespace uint32
}

// Marshal encodes ElectionID to bytes.
func (e *ElectionID) Marshal() []byte {
	namespace := make([]byte, 4)
	binary.BigEndian.PutUint32(namespace, e.Namespace)

	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, e.Nonce)

	var id bytes.Buffer
	id.Write(namespace[:4])
	id.Write(e.Organizer.Bytes()[:20])
	id.Write(nonce[:8])
	return id.Bytes()
}

// Unmarshal decodes bytes to ElectionID.
func (e *ElectionID) Unmarshal(data []byte) error {
	if len(data) != ElectionIDLen {
		return fmt.Errorf("invalid ElectionID length: %d", len(data))
	}
	e.Namespace = binary.BigEndian.Uint32(data[:4])
	e.Organizer = common.BytesToAddress(data[4:24])
	e.Nonce = binary.BigEndian.Uint64(data[24:32])
	return nil
}

// SetBytes decodes data into the ElectionID ignoring errors. Callers that
// need validation use Unmarshal.
func (e *ElectionID) SetBytes(data []byte) *ElectionID {
	_ = e.Unmarshal(data)
	return e
}

// MarshalBinary implements the BinaryMarshaler interface
func (e *ElectionID) MarshalBinary() (data []byte, err error) {
	return e.Marshal(), nil
}

// UnmarshalBinary implements the BinaryMarshaler interface
func (e *ElectionID) UnmarshalBinary(data []byte) error {
	return e.Unmarshal(data)
}

// String returns a human readable representation of election ID
func (e *ElectionID) String() string {
	return hex.EncodeToString(e.Marshal())
}

// ParseElectionID decodes an hex string (with or without 0x) into raw
// election id bytes, validating its structure.
func ParseElectionID(s string) (HexBytes, error) {
	var b HexBytes
	if err := b.ParseString(s); err != nil {
		return nil, err
	}
	if err := new(ElectionID).Unmarshal(b); err != nil {
		return nil, err
	}
	return b, nil
}
