package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vottery/vottery-backend/receipts"
)

// castBallot encrypts, proves and records the ballot of the session voter
// POST /elections/{electionId}/ballots
func (a *API) castBallot(w http.ResponseWriter, r *http.Request) {
	req := &CastBallot{}
	if !a.decodeBody(w, r, req) {
		return
	}
	s := session(r)
	receipt, err := a.seq.SubmitBallot(r.Context(), s.ElectionID, s.Address, *req.CandidateIndex)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, &BallotResponse{
		ReceiptID:        receipt.ReceiptID,
		VerificationCode: receipt.VerificationCode,
		ReceiptHash:      receipt.ReceiptHash,
	})
}

// receipt returns a receipt by its verification code
// GET /receipts/{verificationCode}
func (a *API) receipt(w http.ResponseWriter, r *http.Request) {
	rc, err := a.seq.Receipts().Get(chi.URLParam(r, ReceiptURLParam))
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, rc)
}

// verifyVote verifies a receipt. Before the tally the verification is
// pending and answered with 202.
// POST /votes/verify
func (a *API) verifyVote(w http.ResponseWriter, r *http.Request) {
	req := &VerifyVote{}
	if !a.decodeBody(w, r, req) {
		return
	}
	v, err := a.seq.Receipts().VerifyReceipt(req.VerificationCode, req.ReceiptHash)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	status := http.StatusOK
	if v.Status == receipts.StatusPending {
		status = http.StatusAccepted
	}
	httpWriteJSONStatus(w, status, v)
}
