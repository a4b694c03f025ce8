//nolint:lll
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vottery/vottery-backend/ballot"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/nullifier"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/tally"
	"github.com/vottery/vottery-backend/trustee"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Codes are stable strings clients switch on; the kind tells whether the
// request was rejected, may be retried, hit an integrity failure, is
// pending or asked for something that does not exist.
//
// NEVER rename any of the current error codes, only append new ones.
var (
	ErrResourceNotFound   = Error{Code: "RESOURCE_NOT_FOUND", Kind: KindNotFound, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrElectionNotFound   = Error{Code: "ELECTION_NOT_FOUND", Kind: KindNotFound, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("election not found")}
	ErrReceiptNotFound    = Error{Code: "RECEIPT_NOT_FOUND", Kind: KindNotFound, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("receipt not found")}
	ErrMalformedBody      = Error{Code: "MALFORMED_BODY", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrInvalidSignature   = Error{Code: "INVALID_SIGNATURE", Kind: KindRejection, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("invalid signature")}
	ErrSessionExpired     = Error{Code: "SESSION_EXPIRED", Kind: KindRejection, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("session expired")}
	ErrMalformedElection  = Error{Code: "MALFORMED_ELECTION_ID", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed election ID")}
	ErrInvalidElection    = Error{Code: "INVALID_ELECTION", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid election")}
	ErrElectionExists     = Error{Code: "ELECTION_EXISTS", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("election already exists")}
	ErrNotOrganizer       = Error{Code: "NOT_ORGANIZER", Kind: KindRejection, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("not the election organizer")}
	ErrInvalidStatus      = Error{Code: "INVALID_STATUS", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("operation not allowed in the election status")}
	ErrElectionNotActive  = Error{Code: "ELECTION_NOT_ACTIVE", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("election is not accepting ballots")}
	ErrNotEligible        = Error{Code: "NOT_ELIGIBLE", Kind: KindRejection, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("voter not eligible")}
	ErrDuplicateNullifier = Error{Code: "DUPLICATE_NULLIFIER", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("duplicate nullifier")}
	ErrInvalidSelection   = Error{Code: "INVALID_SELECTION", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid candidate selection")}
	ErrInvalidProof       = Error{Code: "INVALID_PROOF", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid ballot proof")}
	ErrInsufficientTrust  = Error{Code: "INSUFFICIENT_TRUSTEES", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("insufficient trustees")}
	ErrNotClosed          = Error{Code: "NOT_CLOSED", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("election is not closed")}
	ErrTrusteeRejected    = Error{Code: "TRUSTEE_REJECTED", Kind: KindRejection, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("trustee rejected the request")}
	ErrAlreadyExists      = Error{Code: "ALREADY_EXISTS", Kind: KindRejection, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("resource already exists")}

	ErrTrusteeUnavailable = Error{Code: "TRUSTEE_UNAVAILABLE", Kind: KindTransient, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("trustee unavailable")}
	ErrThresholdNotMet    = Error{Code: "THRESHOLD_NOT_MET", Kind: KindTransient, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("threshold not met")}
	ErrStorageBusy        = Error{Code: "STORAGE_BUSY", Kind: KindTransient, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("storage busy")}

	ErrAggregationMismatch = Error{Code: "AGGREGATION_MISMATCH", Kind: KindIntegrity, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("aggregation mismatch")}
	ErrShuffleProofInvalid = Error{Code: "SHUFFLE_PROOF_INVALID", Kind: KindIntegrity, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("shuffle proof invalid")}
	ErrElectionHalted      = Error{Code: "ELECTION_HALTED", Kind: KindIntegrity, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("election halted")}

	ErrNotYetTallied = Error{Code: "NOT_YET_TALLIED", Kind: KindPending, HTTPstatus: http.StatusAccepted, Err: fmt.Errorf("election not yet tallied")}
	ErrMixPending    = Error{Code: "MIX_PENDING", Kind: KindPending, HTTPstatus: http.StatusAccepted, Err: fmt.Errorf("mix not completed")}

	ErrMarshalingServerJSONFailed = Error{Code: "MARSHAL_FAILED", Kind: KindInternal, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: "INTERNAL_ERROR", Kind: KindInternal, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
)

// errorMap maps the errors of the backend packages onto API errors. The
// first match wins, so the most specific errors go first.
var errorMap = []struct {
	err error
	api Error
}{
	{mixnet.ErrElectionHalted, ErrElectionHalted},
	{tally.ErrAggregationMismatch, ErrAggregationMismatch},
	{mixnet.ErrShuffleProofInvalid, ErrShuffleProofInvalid},
	{nullifier.ErrDuplicateNullifier, ErrDuplicateNullifier},
	{ballot.ErrInvalidSelection, ErrInvalidSelection},
	{ballot.ErrInvalidProof, ErrInvalidProof},
	{sequencer.ErrNotEligible, ErrNotEligible},
	{sequencer.ErrNotOrganizer, ErrNotOrganizer},
	{sequencer.ErrElectionNotActive, ErrElectionNotActive},
	{sequencer.ErrInvalidStatus, ErrInvalidStatus},
	{storage.ErrInvalidTransition, ErrInvalidStatus},
	{tally.ErrNotClosed, ErrNotClosed},
	{tally.ErrMixPending, ErrMixPending},
	{receipts.ErrReceiptNotFound, ErrReceiptNotFound},
	{receipts.ErrNotYetTallied, ErrNotYetTallied},
	{keyauthority.ErrInsufficientTrustees, ErrInsufficientTrust},
	{keyauthority.ErrThresholdNotMet, ErrThresholdNotMet},
	{trustee.ErrUnavailable, ErrTrusteeUnavailable},
	{trustee.ErrNoCeremony, ErrTrusteeRejected},
	{trustee.ErrAlreadyDealt, ErrTrusteeRejected},
	{trustee.ErrNoShare, ErrTrusteeRejected},
	{keyauthority.ErrInvalidShare, ErrTrusteeRejected},
	{storage.ErrElectionExists, ErrElectionExists},
	{storage.ErrAlreadyExists, ErrAlreadyExists},
	{storage.ErrNotFound, ErrResourceNotFound},
	// the request ran out of time waiting on locks or trustees
	{context.DeadlineExceeded, ErrStorageBusy},
}

// errorFor returns the API error for err. Unknown errors are internal.
func errorFor(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range errorMap {
		if errors.Is(err, m.err) {
			return m.api.WithErr(err)
		}
	}
	return ErrGenericInternalServerError.WithErr(err)
}
