package types

const (
	// CensusTreeMaxLevels is the maximum number of levels in the eligibility
	// census merkle tree. Keys are voter addresses (20 bytes).
	CensusTreeMaxLevels = 160
	// CommitmentTreeMaxLevels is the maximum number of levels in the ballot
	// commitment merkle tree.
	CommitmentTreeMaxLevels = 160
	// CensusKeyMaxLen is the maximum length of a census key in bytes.
	CensusKeyMaxLen = CensusTreeMaxLevels / 8
	// MinCandidates is the minimum number of candidates of an election.
	MinCandidates = 2
	// MaxCandidates bounds the size of the one-hot ballot vector.
	MaxCandidates = 64
	// MinMixBatchSize is the smallest batch the shuffle proof can be built
	// for. Smaller batches are padded with zero ballots.
	MinMixBatchSize = 2
	// DefaultCheckpointSize is the default number of ballots of an
	// intermediate mix batch.
	DefaultCheckpointSize = 256
	// DefaultMixStages is the default number of mix servers in the cascade.
	DefaultMixStages = 2
	// VerificationCodeLen is the number of random bytes of a receipt code.
	VerificationCodeLen = 16
	// ElectionNamespace is the namespace of the election ids created by
	// this backend.
	ElectionNamespace uint32 = 0x766f7431
)
