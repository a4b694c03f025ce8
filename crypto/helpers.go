package crypto

import "math/big"

const SerializedFieldSize = 32 // bytes

// BN254ScalarField is the scalar field of BN254, the field Poseidon and MiMC
// operate on.
var BN254ScalarField, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// BigToFF function returns the finite field representation of the big.Int
// provided. It uses the curve scalar field to represent the provided number.
func BigToFF(baseField, iv *big.Int) *big.Int {
	z := big.NewInt(0)
	if c := iv.Cmp(baseField); c == 0 {
		return z
	} else if c != 1 && iv.Cmp(z) != -1 {
		return iv
	}
	return z.Mod(iv, baseField)
}

// FieldBytes returns the fixed size big endian encoding of a field element.
func FieldBytes(x *big.Int) []byte {
	out := make([]byte, SerializedFieldSize)
	return x.FillBytes(out)
}
