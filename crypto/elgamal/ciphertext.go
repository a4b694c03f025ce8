package elgamal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vottery/vottery-backend/crypto"
	"go.dedis.ch/kyber/v3"
)

// Ciphertext represents an ElGamal encrypted message with homomorphic
// properties. It encapsulates the two points of a ciphertext.
type Ciphertext struct {
	C1 kyber.Point
	C2 kyber.Point
}

// NewCiphertext creates a new Ciphertext set to the encryption of zero with
// zero randomness, the neutral element of Add.
func NewCiphertext() *Ciphertext {
	return &Ciphertext{C1: crypto.Suite.Point().Null(), C2: crypto.Suite.Point().Null()}
}

// SizeCiphertext is the size in bytes of a serialized ciphertext.
func SizeCiphertext() int {
	return 2 * crypto.PointLen
}

// Encrypt encrypts a message using the public key provided. The randomness k
// can be provided or nil to generate a new one. It returns the receiver and
// the randomness used.
func (z *Ciphertext) Encrypt(message uint64, publicKey kyber.Point, k kyber.Scalar) (*Ciphertext, kyber.Scalar) {
	if k == nil {
		k = RandK()
	}
	z.C1, z.C2 = EncryptWithK(publicKey, message, k)
	return z, k
}

// Add adds two ciphertexts and stores the result in the receiver, which is
// also returned.
func (z *Ciphertext) Add(x, y *Ciphertext) *Ciphertext {
	z.C1 = crypto.Suite.Point().Add(x.C1, y.C1)
	z.C2 = crypto.Suite.Point().Add(x.C2, y.C2)
	return z
}

// ReEncrypt re-randomizes x under publicKey with randomness k (or a fresh one
// if nil) and stores the result in the receiver. The plaintext is unchanged.
func (z *Ciphertext) ReEncrypt(x *Ciphertext, publicKey kyber.Point, k kyber.Scalar) *Ciphertext {
	if k == nil {
		k = RandK()
	}
	zero := &Ciphertext{}
	zero.C1, zero.C2 = EncryptWithK(publicKey, 0, k)
	return z.Add(x, zero)
}

// Set sets z to x and returns z.
func (z *Ciphertext) Set(x *Ciphertext) *Ciphertext {
	z.C1 = x.C1.Clone()
	z.C2 = x.C2.Clone()
	return z
}

// Equal reports whether both ciphertexts hold the same points.
func (z *Ciphertext) Equal(x *Ciphertext) bool {
	return z.C1.Equal(x.C1) && z.C2.Equal(x.C2)
}

// Serialize returns C1 || C2.
func (z *Ciphertext) Serialize() []byte {
	return append(crypto.PointBytes(z.C1), crypto.PointBytes(z.C2)...)
}

// Deserialize reconstructs a Ciphertext from C1 || C2.
func (z *Ciphertext) Deserialize(data []byte) error {
	if len(data) != SizeCiphertext() {
		return fmt.Errorf("invalid ciphertext length: got %d bytes, expected %d bytes", len(data), SizeCiphertext())
	}
	c1, err := crypto.PointFromBytes(data[:crypto.PointLen])
	if err != nil {
		return fmt.Errorf("c1: %w", err)
	}
	c2, err := crypto.PointFromBytes(data[crypto.PointLen:])
	if err != nil {
		return fmt.Errorf("c2: %w", err)
	}
	z.C1, z.C2 = c1, c2
	return nil
}

type ciphertextJSON struct {
	C1 string `json:"c1"`
	C2 string `json:"c2"`
}

// MarshalJSON encodes the points as hex strings.
func (z *Ciphertext) MarshalJSON() ([]byte, error) {
	return json.Marshal(ciphertextJSON{
		C1: hex.EncodeToString(crypto.PointBytes(z.C1)),
		C2: hex.EncodeToString(crypto.PointBytes(z.C2)),
	})
}

// UnmarshalJSON decodes the hex encoded points.
func (z *Ciphertext) UnmarshalJSON(data []byte) error {
	var cj ciphertextJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	c1, err := hex.DecodeString(cj.C1)
	if err != nil {
		return err
	}
	c2, err := hex.DecodeString(cj.C2)
	if err != nil {
		return err
	}
	return z.Deserialize(append(c1, c2...))
}

// MarshalCBOR encodes the ciphertext as a CBOR byte string.
func (z *Ciphertext) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(z.Serialize())
}

// UnmarshalCBOR decodes a ciphertext encoded by MarshalCBOR.
func (z *Ciphertext) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	return z.Deserialize(b)
}
