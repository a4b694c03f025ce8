package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/vottery/vottery-backend/trustee"
)

// withTrusteeToken only lets the key authority reach the trustee.
func (a *API) withTrusteeToken(next http.Handler) http.Handler {
	want := []byte("Bearer " + a.trusteeToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			ErrInvalidSignature.With("invalid trustee token").Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trusteeElection checks the election of the URL matches the one of the
// request body.
func trusteeElection(w http.ResponseWriter, r *http.Request, bodyID []byte) bool {
	eid := electionID(w, r)
	if eid == nil {
		return false
	}
	if !eid.Equal(bodyID) {
		ErrMalformedBody.With("election id does not match the URL").Write(w)
		return false
	}
	return true
}

// trusteeInfo returns the public info of the trustee
// GET /trustee/info
func (a *API) trusteeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.trustee.Info(r.Context())
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, info)
}

// trusteeDeal starts the key generation on the trustee
// POST /trustee/elections/{electionId}/deal
func (a *API) trusteeDeal(w http.ResponseWriter, r *http.Request) {
	req := &trustee.DealRequest{}
	if !a.decodeBody(w, r, req) || !trusteeElection(w, r, req.ElectionID) {
		return
	}
	resp, err := a.trustee.Deal(r.Context(), req)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, resp)
}

// trusteeFinalize hands the deals to the trustee
// POST /trustee/elections/{electionId}/deals
func (a *API) trusteeFinalize(w http.ResponseWriter, r *http.Request) {
	req := &trustee.FinalizeRequest{}
	if !a.decodeBody(w, r, req) || !trusteeElection(w, r, req.ElectionID) {
		return
	}
	resp, err := a.trustee.Finalize(r.Context(), req)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, resp)
}

// trusteeDecrypt returns a partial decryption with its proof
// POST /trustee/elections/{electionId}/decrypt
func (a *API) trusteeDecrypt(w http.ResponseWriter, r *http.Request) {
	req := &trustee.DecryptRequest{}
	if !a.decodeBody(w, r, req) || !trusteeElection(w, r, req.ElectionID) {
		return
	}
	pd, err := a.trustee.PartialDecrypt(r.Context(), req)
	if err != nil {
		errorFor(err).Write(w)
		return
	}
	httpWriteJSON(w, pd)
}
