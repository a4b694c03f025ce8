package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vottery/vottery-backend/log"
)

// Error kinds, they tell clients whether retrying makes sense.
const (
	KindRejection = "rejection"
	KindTransient = "transient"
	KindIntegrity = "integrity"
	KindPending   = "pending"
	KindNotFound  = "not_found"
	KindInternal  = "internal"
)

// Error is used by handler functions to wrap errors, assigning a unique error code
// and also specifying which HTTP Status should be used.
type Error struct {
	Err        error
	Code       string
	Kind       string
	HTTPstatus int
}

// MarshalJSON returns a JSON containing Err.Error(), Code and Kind. Field
// HTTPstatus is ignored.
//
// Example output: {"error":"duplicate nullifier","code":"DUPLICATE_NULLIFIER","kind":"rejection"}
func (e Error) MarshalJSON() ([]byte, error) {
	// This anon struct is needed to actually include the error string,
	// since it wouldn't be marshaled otherwise. (json.Marshal doesn't call Err.Error())
	return json.Marshal(
		struct {
			Err  string `json:"error"`
			Code string `json:"code"`
			Kind string `json:"kind"`
		}{
			Err:  e.Err.Error(),
			Code: e.Code,
			Kind: e.Kind,
		})
}

// Error returns the Message contained inside the APIerror
func (e Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Write serializes a JSON msg using APIerror.Message and APIerror.Code
// and passes that to ctx.Send()
func (e Error) Write(w http.ResponseWriter) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Warn(err)
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	if log.Level() == log.LogLevelDebug {
		log.Debugw("API error response", "error", e.Error(), "code", e.Code, "httpStatus", e.HTTPstatus)
	}
	// set the content type to JSON
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, string(msg), e.HTTPstatus)
}

// Withf returns a copy of APIerror with the Sprintf formatted string appended at the end of e.Err
func (e Error) Withf(format string, args ...any) Error {
	e.Err = fmt.Errorf("%w: %v", e.Err, fmt.Sprintf(format, args...))
	return e
}

// With returns a copy of APIerror with the string appended at the end of e.Err
func (e Error) With(s string) Error {
	e.Err = fmt.Errorf("%w: %v", e.Err, s)
	return e
}

// WithErr returns a copy of APIerror with err.Error() appended at the end of e.Err
func (e Error) WithErr(err error) Error {
	e.Err = fmt.Errorf("%w: %v", e.Err, err.Error())
	return e
}
