package api

import "github.com/vottery/vottery-backend/trustee"

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"

	// ElectionURLParam is the name of the election id URL parameter
	ElectionURLParam = "electionId"
	// ElectionsEndpoint is the endpoint for creating a new election
	ElectionsEndpoint = "/elections"
	// ElectionEndpoint is the endpoint to get the election info
	ElectionEndpoint = "/elections/{" + ElectionURLParam + "}"
	// CensusEndpoint adds eligible voters to an election
	CensusEndpoint = ElectionEndpoint + "/census"
	// KeysEndpoint runs the key generation of an election
	KeysEndpoint = ElectionEndpoint + "/keys"
	// BallotsEndpoint is the endpoint for casting a ballot
	BallotsEndpoint = ElectionEndpoint + "/ballots"
	// CloseEndpoint closes the voting window of an election
	CloseEndpoint = ElectionEndpoint + "/close"
	// MixnetProcessEndpoint mixes the batches of a closed election
	MixnetProcessEndpoint = ElectionEndpoint + "/mixnet/process"
	// TallyEndpoint computes (POST) or returns (GET) the tally
	TallyEndpoint = ElectionEndpoint + "/tally"
	// AuditEndpoint lists the integrity incidents of an election
	AuditEndpoint = ElectionEndpoint + "/audit"

	// ReceiptURLParam is the name of the verification code URL parameter
	ReceiptURLParam = "verificationCode"
	// ReceiptEndpoint returns a receipt by its verification code
	ReceiptEndpoint = "/receipts/{" + ReceiptURLParam + "}"
	// VerifyVoteEndpoint verifies a receipt
	VerifyVoteEndpoint = "/votes/verify"

	// Trustee endpoints, served when the node runs a trustee.
	TrusteeInfoEndpoint     = trustee.InfoEndpoint
	TrusteeDealEndpoint     = trustee.DealEndpoint
	TrusteeFinalizeEndpoint = trustee.FinalizeEndpoint
	TrusteeDecryptEndpoint  = trustee.DecryptEndpoint
)
