// Package api is the HTTP interface of a vottery node: election
// management, ballot casting, tallying, receipt verification and, on nodes
// that run one, the trustee endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/trustee"
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host      string
	Port      int
	Sequencer *sequencer.Sequencer
	// Trustee, if set, is served on the trustee endpoints. TrusteeToken
	// is the bearer token the key authority must present.
	Trustee      trustee.Trustee
	TrusteeToken string
	// SessionMaxAge bounds the expiry of the sessions. Zero takes
	// DefaultSessionMaxAge.
	SessionMaxAge time.Duration
}

// API type represents the API HTTP server.
type API struct {
	router        *chi.Mux
	server        *http.Server
	seq           *sequencer.Sequencer
	trustee       trustee.Trustee
	trusteeToken  string
	validate      *validator.Validate
	sessionMaxAge time.Duration
	addr          string
}

// New creates a new API instance with the given configuration. The server
// is not listening until Start is called.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Sequencer == nil && conf.Trustee == nil {
		return nil, fmt.Errorf("nothing to serve: missing sequencer and trustee")
	}
	if conf.Trustee != nil && conf.TrusteeToken == "" {
		return nil, fmt.Errorf("trustee endpoints need a token")
	}
	a := &API{
		seq:           conf.Sequencer,
		trustee:       conf.Trustee,
		trusteeToken:  conf.TrusteeToken,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		sessionMaxAge: conf.SessionMaxAge,
		addr:          net.JoinHostPort(conf.Host, fmt.Sprint(conf.Port)),
	}
	if a.sessionMaxAge <= 0 {
		a.sessionMaxAge = DefaultSessionMaxAge
	}
	a.initRouter()
	return a, nil
}

// Start listens on the configured address and serves the API in the
// background.
func (a *API) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}
	a.addr = ln.Addr().String()
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "address", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw(err, "API server stopped")
		}
	}()
	return nil
}

// Addr returns the address the API listens on, or the configured one
// before Start.
func (a *API) Addr() string {
	return a.addr
}

// Close shuts the server down.
func (a *API) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the API handlers.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})

	if a.seq != nil {
		a.router.Post(ElectionsEndpoint, a.newElection)
		a.router.Get(ElectionEndpoint, a.election)
		a.router.Post(MixnetProcessEndpoint, a.processMix)
		a.router.Post(TallyEndpoint, a.tally)
		a.router.Get(TallyEndpoint, a.tallyResult)
		a.router.Get(AuditEndpoint, a.auditRecords)
		a.router.Get(ReceiptEndpoint, a.receipt)
		a.router.Post(VerifyVoteEndpoint, a.verifyVote)
		a.router.Group(func(r chi.Router) {
			r.Use(a.withSession)
			r.Post(CensusEndpoint, a.addToCensus)
			r.Post(KeysEndpoint, a.generateKeys)
			r.Post(BallotsEndpoint, a.castBallot)
			r.Post(CloseEndpoint, a.closeElection)
		})
		for _, ep := range []string{
			ElectionsEndpoint, ElectionEndpoint, CensusEndpoint, KeysEndpoint, BallotsEndpoint,
			CloseEndpoint, MixnetProcessEndpoint, TallyEndpoint, AuditEndpoint, ReceiptEndpoint,
			VerifyVoteEndpoint,
		} {
			log.Debugw("register handler", "endpoint", ep)
		}
	}

	if a.trustee != nil {
		log.Infow("register trustee handlers", "trusteeID", a.trustee.ID())
		a.router.Group(func(r chi.Router) {
			r.Use(a.withTrusteeToken)
			r.Get(TrusteeInfoEndpoint, a.trusteeInfo)
			r.Post(TrusteeDealEndpoint, a.trusteeDeal)
			r.Post(TrusteeFinalizeEndpoint, a.trusteeFinalize)
			r.Post(TrusteeDecryptEndpoint, a.trusteeDecrypt)
		})
	}
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	// Create the router with a basic middleware stack
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	// Register the API handlers
	a.registerHandlers()
}
