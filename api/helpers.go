package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/types"
)

// maxBodySize bounds the size of request bodies.
const maxBodySize = 4 << 20

// httpWriteJSON helper function allows to write a JSON response.
func httpWriteJSON(w http.ResponseWriter, data any) {
	httpWriteJSONStatus(w, http.StatusOK, data)
}

// httpWriteJSONStatus writes a JSON response with the given status code.
func httpWriteJSONStatus(w http.ResponseWriter, status int, data any) {
	jdata, err := json.Marshal(data)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	n, err := w.Write(jdata)
	if err != nil {
		log.Warnw("failed to write http response", "error", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
	log.Debugw("api response", "bytes", n, "status", status, "data", strings.ReplaceAll(string(jdata), "\"", ""))
}

// httpWriteOK helper function allows to write an OK response.
func httpWriteOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
}

// decodeBody decodes and validates the JSON body of a request into v. On
// failure it writes the error response and returns false.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return false
	}
	return true
}

// electionID parses the election id URL parameter. On failure it writes
// the error response and returns nil.
func electionID(w http.ResponseWriter, r *http.Request) types.HexBytes {
	eid, err := types.ParseElectionID(chi.URLParam(r, ElectionURLParam))
	if err != nil {
		ErrMalformedElection.WithErr(err).Write(w)
		return nil
	}
	return eid
}
