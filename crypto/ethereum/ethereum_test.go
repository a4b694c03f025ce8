package ethereum

import (
	"encoding/hex"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestSignKeysGeneration(t *testing.T) {
	c := qt.New(t)
	t.Parallel()

	s := NewSignKeys()
	c.Assert(s.Generate(), qt.IsNil)

	pub, priv := s.HexString()
	c.Assert(pub, qt.Not(qt.Equals), "")
	c.Assert(priv, qt.Not(qt.Equals), "")

	// Test key import
	imported := NewSignKeys()
	c.Assert(imported.AddHexKey(priv), qt.IsNil)

	importedPub, importedPriv := imported.HexString()
	c.Assert(importedPub, qt.Equals, pub)
	c.Assert(importedPriv, qt.Equals, priv)
}

func TestEthereumSigning(t *testing.T) {
	c := qt.New(t)
	t.Parallel()

	const privKey = "fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a19"
	s := NewSignKeys()
	c.Assert(s.AddHexKey("0x"+privKey), qt.IsNil)

	// Verify private key was imported correctly
	_, priv := s.HexString()
	c.Assert(priv, qt.Equals, privKey)

	signature, err := s.SignEthereum([]byte("hello"))
	c.Assert(err, qt.IsNil)
	c.Assert(signature, qt.HasLen, SignatureLength)

	// signatures are deterministic
	again, err := s.SignEthereum([]byte("hello"))
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.DeepEquals, signature)

	// wallets encode V as 27/28
	walletSig := append([]byte{}, signature...)
	walletSig[64] += 27
	addr, err := AddrFromSignature([]byte("hello"), walletSig)
	c.Assert(err, qt.IsNil)
	c.Assert(addr, qt.Equals, s.Address())

	parsed, err := ParseSignature("0x" + hex.EncodeToString(signature))
	c.Assert(err, qt.IsNil)
	c.Assert(parsed, qt.DeepEquals, signature)

	_, err = ParseSignature("abcd")
	c.Assert(err, qt.IsNotNil)

	_, err = NewSignKeys().SignEthereum([]byte("hello"))
	c.Assert(err, qt.IsNotNil)
}

func TestAddressRecovery(t *testing.T) {
	c := qt.New(t)
	t.Parallel()

	testCases := []struct {
		name    string
		message []byte
	}{
		{
			name:    "simple message",
			message: []byte("hello vottery"),
		},
		{
			name:    "different message",
			message: []byte("bye-bye vottery"),
		},
	}

	// Generate keys
	s := NewSignKeys()
	c.Assert(s.Generate(), qt.IsNil)

	// Get address from public key
	expectedAddr, err := AddrFromPublicKey(s.PublicKey())
	c.Assert(err, qt.IsNil)
	c.Assert(expectedAddr.String(), qt.Equals, s.AddressString())

	// Test address recovery from signatures of different messages
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := qt.New(t)

			signature, err := s.SignEthereum(tc.message)
			c.Assert(err, qt.IsNil)

			recoveredAddr, err := AddrFromSignature(tc.message, signature)
			c.Assert(err, qt.IsNil)
			c.Assert(recoveredAddr, qt.Equals, expectedAddr)
		})
	}
}
