// Package ethereum wraps secp256k1 keys for organizer and voter
// authentication. Messages are signed with the Ethereum personal message
// prefix so that any wallet can produce them.
package ethereum

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vottery/vottery-backend/util"
)

const (
	// SignatureLength is the size of an ECDSA signature in hexString format
	SignatureLength = ethcrypto.SignatureLength
	// PubKeyLengthBytes is the size of a Public Key
	PubKeyLengthBytes = 33
	// SigningPrefix is the prefix added when hashing
	SigningPrefix = "\u0019Ethereum Signed Message:\n"
)

// SignKeys represents an ECDSA pair of keys for signing.
type SignKeys struct {
	Public  ecdsa.PublicKey
	Private ecdsa.PrivateKey
	lock    sync.RWMutex
}

// NewSignKeys creates an ECDSA pair of keys for signing
// and initializes the map for authorized addresses.
func NewSignKeys() *SignKeys {
	return &SignKeys{}
}

// Generate generates new keys.
func (k *SignKeys) Generate() error {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	k.lock.Lock()
	defer k.lock.Unlock()
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// AddHexKey imports a private hex key.
func (k *SignKeys) AddHexKey(privHex string) error {
	key, err := ethcrypto.HexToECDSA(util.TrimHex(privHex))
	if err != nil {
		return err
	}
	k.lock.Lock()
	defer k.lock.Unlock()
	k.Private = *key
	k.Public = key.PublicKey
	return nil
}

// HexString returns the public compressed and private keys as hex strings.
func (k *SignKeys) HexString() (string, string) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	pubHexComp := fmt.Sprintf("%x", ethcrypto.CompressPubkey(&k.Public))
	privHex := fmt.Sprintf("%x", ethcrypto.FromECDSA(&k.Private))
	return pubHexComp, privHex
}

// PublicKey returns the compressed public key.
func (k *SignKeys) PublicKey() []byte {
	k.lock.RLock()
	defer k.lock.RUnlock()
	return ethcrypto.CompressPubkey(&k.Public)
}

// Address returns the SignKeys ethereum address.
func (k *SignKeys) Address() common.Address {
	k.lock.RLock()
	defer k.lock.RUnlock()
	return ethcrypto.PubkeyToAddress(k.Public)
}

// AddressString returns the ethereum Address as string.
func (k *SignKeys) AddressString() string {
	return k.Address().String()
}

// SignEthereum signs a message. Message is a normal string (no HexString nor
// a Hash).
func (k *SignKeys) SignEthereum(message []byte) ([]byte, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	if k.Private.D == nil {
		return nil, fmt.Errorf("no private key available")
	}
	signature, err := ethcrypto.Sign(HashMessage(message), &k.Private)
	if err != nil {
		return nil, err
	}
	return signature, nil
}

// AddrFromPublicKey standaolone function to obtain the Ethereum address from
// a ECDSA public key.
func AddrFromPublicKey(pub []byte) (common.Address, error) {
	var pubHexDesc []byte
	var err error
	if len(pub) <= PubKeyLengthBytes {
		pubHexDesc, err = decompressPubKey(pub)
		if err != nil {
			return common.Address{}, err
		}
	} else {
		pubHexDesc = pub
	}
	pubKey, err := ethcrypto.UnmarshalPubkey(pubHexDesc)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// AddrFromSignature recovers the Ethereum address that created the signature
// of a message.
func AddrFromSignature(message, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature length not correct (%d)", len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	// accept wallet signatures with V in {27, 28}
	if sig[64] > 1 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("bad recovery id %d", signature[64])
	}
	pubKey, err := ethcrypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// HashMessage performs a Keccak256 hash over the bytes received, with the
// Ethereum Signing prefix.
func HashMessage(data []byte) []byte {
	payloadToSign := append([]byte(SigningPrefix+strconv.Itoa(len(data))), data...)
	return HashRaw(payloadToSign)
}

// HashRaw hashes data with no prefix.
func HashRaw(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}

// ParseSignature decodes a hex encoded signature, with or without prefix.
func ParseSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(util.TrimHex(s))
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature length not correct (%d)", len(sig))
	}
	return sig, nil
}

func decompressPubKey(pubComp []byte) ([]byte, error) {
	pub, err := ethcrypto.DecompressPubkey(pubComp)
	if err != nil {
		return nil, err
	}
	return ethcrypto.FromECDSAPub(pub), nil
}
