package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/vottery/vottery-backend/crypto/ethereum"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/types"
)

// DefaultSessionMaxAge bounds how far in the future a session may expire.
const DefaultSessionMaxAge = 24 * time.Hour

// Session is the authenticated caller of an election scoped request.
type Session struct {
	Address    common.Address
	ElectionID types.HexBytes
	Expiry     time.Time
}

type sessionKey struct{}

// SessionMessage returns the message a voter or organizer signs to open a
// session on an election.
func SessionMessage(electionID []byte, expiry int64) []byte {
	return fmt.Appendf(nil, "vottery session %x %d", electionID, expiry)
}

// CreateElectionMessage returns the message an organizer signs to create
// the election with the given nonce.
func CreateElectionMessage(nonce uint64) []byte {
	return fmt.Appendf(nil, "vottery create election %d", nonce)
}

// SessionToken builds the bearer token of a session.
func SessionToken(keys *ethereum.SignKeys, electionID []byte, expiry time.Time) (string, error) {
	sig, err := keys.SignEthereum(SessionMessage(electionID, expiry.Unix()))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%x", expiry.Unix(), sig), nil
}

// parseSession checks a bearer token against the election it is used for.
func parseSession(header string, electionID []byte) (*Session, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("missing bearer token")
	}
	expiryStr, sigHex, ok := strings.Cut(token, ":")
	if !ok {
		return nil, fmt.Errorf("malformed token")
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed expiry: %w", err)
	}
	sig, err := ethereum.ParseSignature(sigHex)
	if err != nil {
		return nil, err
	}
	addr, err := ethereum.AddrFromSignature(SessionMessage(electionID, expiry), sig)
	if err != nil {
		return nil, err
	}
	return &Session{
		Address:    addr,
		ElectionID: electionID,
		Expiry:     time.Unix(expiry, 0),
	}, nil
}

// withSession authenticates the election scoped requests and puts the
// Session into the request context.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eid, err := types.ParseElectionID(chi.URLParam(r, ElectionURLParam))
		if err != nil {
			ErrMalformedElection.WithErr(err).Write(w)
			return
		}
		now := time.Now()
		s, err := parseSession(r.Header.Get("Authorization"), eid)
		if err != nil {
			ErrInvalidSignature.WithErr(err).Write(w)
			return
		}
		if !s.Expiry.After(now) || s.Expiry.After(now.Add(a.sessionMaxAge)) {
			ErrSessionExpired.Withf("expiry %s", s.Expiry.UTC().Format(time.RFC3339)).Write(w)
			return
		}
		log.Debugw("session opened", "electionID", eid.String(), "address", s.Address.Hex())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

// session returns the Session of an authenticated request.
func session(r *http.Request) *Session {
	s, _ := r.Context().Value(sessionKey{}).(*Session)
	return s
}
