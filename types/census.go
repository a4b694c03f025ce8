package types

// CensusProof holds the result of a Merkle proof. It is used both for voter
// eligibility and for ballot commitment inclusion.
type CensusProof struct {
	Root      HexBytes `json:"root"`
	Key       HexBytes `json:"key"`
	Value     HexBytes `json:"value"`
	Siblings  HexBytes `json:"siblings"`
	Existence bool     `json:"existence"`
}
