package api

import (
	"net/http"

	"github.com/vottery/vottery-backend/crypto/ethereum"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/types"
)

// newElection creates a new election in draft status
// POST /elections
func (a *API) newElection(w http.ResponseWriter, r *http.Request) {
	req := &NewElection{}
	if !a.decodeBody(w, r, req) {
		return
	}
	// Extract the organizer address from the signature
	organizer, err := ethereum.AddrFromSignature(CreateElectionMessage(req.Nonce), req.Signature)
	if err != nil {
		ErrInvalidSignature.Withf("could not extract address from signature: %v", err).Write(w)
		return
	}
	eid := &types.ElectionID{
		Organizer: organizer,
		Nonce:     req.Nonce,
		Namespace: types.ElectionNamespace,
	}
	e := &types.Election{
		ID:             eid.Marshal(),
		Organizer:      organizer,
		Title:          req.Title,
		Candidates:     req.Candidates,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Threshold:      req.Threshold,
		CheckpointSize: req.CheckpointSize,
		MixStages:      req.MixStages,
	}
	if err := e.Validate(); err != nil {
		ErrInvalidElection.WithErr(err).Write(w)
		return
	}
	if err := a.seq.CreateElection(e); err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, &ElectionInfo{Election: e})
}

// election returns the election info
// GET /elections/{electionId}
func (a *API) election(w http.ResponseWriter, r *http.Request) {
	eid := electionID(w, r)
	if eid == nil {
		return
	}
	e, err := a.seq.Election(eid)
	if err != nil {
		ErrElectionNotFound.WithErr(err).Write(w)
		return
	}
	count, err := a.seq.Storage().BallotCount(eid)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, &ElectionInfo{Election: e, BallotCount: count})
}

// addToCensus adds eligible voters to an election (organizer session)
// POST /elections/{electionId}/census
func (a *API) addToCensus(w http.ResponseWriter, r *http.Request) {
	req := &CensusRequest{}
	if !a.decodeBody(w, r, req) {
		return
	}
	s := session(r)
	root, err := a.seq.AddToCensus(s.ElectionID, s.Address, req.Voters)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, &CensusResponse{Root: root})
}

// generateKeys runs the key generation and publishes the election
// (organizer session)
// POST /elections/{electionId}/keys
func (a *API) generateKeys(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	keys, err := a.seq.GenerateKeys(r.Context(), s.ElectionID, s.Address)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	log.Infow("election keys generated", "electionID", s.ElectionID.String(), "keyID", keys.KeyID)
	httpWriteJSON(w, &KeysResponse{
		KeyID:     keys.KeyID,
		Threshold: keys.Threshold,
		PublicKey: keys.PublicKey,
	})
}

// closeElection freezes the submissions of an election (organizer session)
// POST /elections/{electionId}/close
func (a *API) closeElection(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	e, err := a.seq.CloseElection(s.ElectionID, &s.Address)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, &ElectionInfo{Election: e})
}

// processMix mixes the batches of a closed election
// POST /elections/{electionId}/mixnet/process
func (a *API) processMix(w http.ResponseWriter, r *http.Request) {
	eid := electionID(w, r)
	if eid == nil {
		return
	}
	status, err := a.seq.ProcessMix(r.Context(), eid)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	code := http.StatusOK
	if status != string(mixnet.StatusCompleted) {
		code = http.StatusAccepted
	}
	httpWriteJSONStatus(w, code, &MixStatus{Status: status})
}

// tally computes the tally of a closed election, mixing it first if needed
// POST /elections/{electionId}/tally
func (a *API) tally(w http.ResponseWriter, r *http.Request) {
	eid := electionID(w, r)
	if eid == nil {
		return
	}
	res, err := a.seq.Tally(r.Context(), eid)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, res)
}

// tallyResult returns the published tally
// GET /elections/{electionId}/tally
func (a *API) tallyResult(w http.ResponseWriter, r *http.Request) {
	eid := electionID(w, r)
	if eid == nil {
		return
	}
	res, err := a.seq.TallyEngine().Result(eid)
	if err != nil {
		ErrNotYetTallied.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, res)
}

// auditRecords lists the integrity incidents of an election
// GET /elections/{electionId}/audit
func (a *API) auditRecords(w http.ResponseWriter, r *http.Request) {
	eid := electionID(w, r)
	if eid == nil {
		return
	}
	if _, err := a.seq.Election(eid); err != nil {
		ErrElectionNotFound.WithErr(err).Write(w)
		return
	}
	records, err := a.seq.Storage().AuditRecords(eid)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	httpWriteJSON(w, map[string]any{"records": records})
}
