// Package elgamal implements exponential (additively homomorphic) ElGamal
// over the backend group suite. A message m is encoded as m*G, so adding
// ciphertexts adds the plaintexts, and decryption ends with a bounded
// discrete logarithm.
package elgamal

import (
	"fmt"
	"math"

	"github.com/vottery/vottery-backend/crypto"
	"go.dedis.ch/kyber/v3"
)

// RandK function generates a random k value for encryption.
func RandK() kyber.Scalar {
	return crypto.Suite.Scalar().Pick(crypto.Suite.RandomStream())
}

// GenerateKey generates a new public/private ElGamal encryption key pair.
func GenerateKey() (publicKey kyber.Point, privateKey kyber.Scalar) {
	privateKey = crypto.Suite.Scalar().Pick(crypto.Suite.RandomStream())
	for privateKey.Equal(crypto.Suite.Scalar().Zero()) {
		privateKey.Pick(crypto.Suite.RandomStream())
	}
	publicKey = crypto.Suite.Point().Mul(privateKey, nil)
	return publicKey, privateKey
}

// EncodeMessage returns m*G.
func EncodeMessage(m uint64) kyber.Point {
	if m == 0 {
		return crypto.Suite.Point().Null()
	}
	s := crypto.Suite.Scalar().SetInt64(int64(m))
	return crypto.Suite.Point().Mul(s, nil)
}

// Encrypt function encrypts a message using the public key provided. It
// generates a random k and returns the two points that represent the
// encrypted message and the random k used to encrypt it.
func Encrypt(publicKey kyber.Point, msg uint64) (kyber.Point, kyber.Point, kyber.Scalar) {
	k := RandK()
	c1, c2 := EncryptWithK(publicKey, msg, k)
	return c1, c2, k
}

// EncryptWithK function encrypts a message using the public key and the
// random k value provided. C1 = k*G, C2 = m*G + k*pubKey.
func EncryptWithK(pubKey kyber.Point, msg uint64, k kyber.Scalar) (kyber.Point, kyber.Point) {
	c1 := crypto.Suite.Point().Mul(k, nil)
	s := crypto.Suite.Point().Mul(k, pubKey)
	c2 := crypto.Suite.Point().Add(EncodeMessage(msg), s)
	return c1, c2
}

// DecryptPoint computes M = C2 - d*C1.
func DecryptPoint(privateKey kyber.Scalar, c1, c2 kyber.Point) kyber.Point {
	dC1 := crypto.Suite.Point().Mul(privateKey, c1)
	return crypto.Suite.Point().Sub(c2, dC1)
}

// Decrypt decrypts the given ciphertext (c1, c2) using the private key.
// It returns the point M = c2 - d*c1 and the discrete log message.
// If no solution is found below maxMessage, returns an error.
func Decrypt(privateKey kyber.Scalar, c1, c2 kyber.Point, maxMessage uint64) (kyber.Point, uint64, error) {
	M := DecryptPoint(privateKey, c1, c2)
	message, err := BabyStepGiantStep(M, maxMessage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find discrete log: %w", err)
	}
	return M, message, nil
}

// ErrDiscreteLogNotFound is returned when M is not x*G for any x in range.
var ErrDiscreteLogNotFound = fmt.Errorf("discrete logarithm not found in range")

// BabyStepGiantStep solves M = x*G for x in [0, maxMessage] using the
// baby-step giant-step algorithm.
func BabyStepGiantStep(M kyber.Point, maxMessage uint64) (uint64, error) {
	mSqrt := uint64(math.Sqrt(float64(maxMessage))) + 1

	// baby steps: j*G for j in [0, mSqrt)
	babySteps := make(map[string]uint64, mSqrt)
	babyStep := crypto.Suite.Point().Null()
	G := crypto.Suite.Point().Base()
	for j := uint64(0); j < mSqrt; j++ {
		babySteps[string(crypto.PointBytes(babyStep))] = j
		babyStep = crypto.Suite.Point().Add(babyStep, G)
	}

	// c = -mSqrt*G
	c := crypto.Suite.Point().Mul(crypto.Suite.Scalar().SetInt64(int64(mSqrt)), nil)
	c.Neg(c)

	giantStep := M.Clone()
	for i := uint64(0); i <= mSqrt; i++ {
		if j, found := babySteps[string(crypto.PointBytes(giantStep))]; found {
			x := i*mSqrt + j
			if x > maxMessage {
				break
			}
			return x, nil
		}
		giantStep = crypto.Suite.Point().Add(giantStep, c)
	}
	return 0, ErrDiscreteLogNotFound
}

// CheckK reports whether k was used to produce the ciphertext first
// component, c1 == k*G.
func CheckK(c1 kyber.Point, k kyber.Scalar) bool {
	return crypto.Suite.Point().Mul(k, nil).Equal(c1)
}
