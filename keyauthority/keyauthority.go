// Package keyauthority coordinates the trustees of the elections: it runs
// the distributed key generation and collects partial decryptions. It only
// relays sealed deals and public values, it never learns a key share.
package keyauthority

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/types"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientTrustees is returned when the threshold configuration
	// cannot be served: n < 2, k out of [1, n] or fewer than n registered
	// trustees.
	ErrInsufficientTrustees = errors.New("insufficient trustees")
	// ErrThresholdNotMet is returned when fewer than k valid shares or
	// partial decryptions are available.
	ErrThresholdNotMet = dkg.ErrThresholdNotMet
	// ErrInvalidShare is returned when a key share does not match the
	// public polynomial of the election.
	ErrInvalidShare = dkg.ErrInvalidShare
	// ErrKeysNotFound is returned when the election has no keys.
	ErrKeysNotFound = errors.New("election keys not found")
	// ErrCeremonyFailed is returned when the trustees do not agree on the
	// outcome of the key generation.
	ErrCeremonyFailed = errors.New("key generation failed")
)

// DefaultRetryTimeout bounds the retries of the calls to a single trustee.
const DefaultRetryTimeout = 30 * time.Second

// Authority is the key authority.
type Authority struct {
	stg          *storage.Storage
	mu           sync.RWMutex
	trustees     []trustee.Trustee
	retryTimeout time.Duration

	keygenMu sync.Mutex
	keygen   map[string]*sync.Mutex
}

// New returns a key authority over the given trustees.
func New(stg *storage.Storage, trustees ...trustee.Trustee) *Authority {
	return &Authority{
		stg:          stg,
		trustees:     trustees,
		retryTimeout: DefaultRetryTimeout,
		keygen:       make(map[string]*sync.Mutex),
	}
}

// lockKeygen serializes the key generations of one election.
func (a *Authority) lockKeygen(electionID []byte) func() {
	a.keygenMu.Lock()
	m, ok := a.keygen[string(electionID)]
	if !ok {
		m = new(sync.Mutex)
		a.keygen[string(electionID)] = m
	}
	a.keygenMu.Unlock()
	m.Lock()
	return m.Unlock
}

// SetRetryTimeout changes the time spent retrying an unavailable trustee.
func (a *Authority) SetRetryTimeout(d time.Duration) {
	a.retryTimeout = d
}

// AddTrustee registers a trustee. Trustees are picked for new elections in
// registration order.
func (a *Authority) AddTrustee(t trustee.Trustee) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trustees = append(a.trustees, t)
}

// Trustees returns the registered trustees.
func (a *Authority) Trustees() []trustee.Trustee {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.trustees)
}

func (a *Authority) trustee(id string) trustee.Trustee {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, t := range a.trustees {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// retry calls fn until it succeeds, fails with an error other than
// trustee.ErrUnavailable, or the retry budget runs out.
func retry[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = timeout
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, trustee.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(policy, ctx))
}

// ValidateThreshold checks a k-of-n configuration.
func ValidateThreshold(k, n int) error {
	if n < 2 {
		return fmt.Errorf("%w: n=%d, at least 2 trustees are required", ErrInsufficientTrustees, n)
	}
	if k < 1 || k > n {
		return fmt.Errorf("%w: k=%d must be in [1, %d]", ErrInsufficientTrustees, k, n)
	}
	return nil
}

// GenerateElectionKeys runs the key generation of an election among the
// first n registered trustees with threshold k and stores its public
// outcome. Every trustee ends up holding one share of the key.
//
// Calls for the same election run one at a time. Once keys are stored they
// are returned as they are to any call with the same threshold. A call that
// failed before storing the keys can be repeated: it starts a new ceremony
// and the trustees drop the unfinished one.
func (a *Authority) GenerateElectionKeys(ctx context.Context, electionID []byte, k, n int) (*storage.ElectionKeys, error) {
	if err := ValidateThreshold(k, n); err != nil {
		return nil, err
	}
	all := a.Trustees()
	if len(all) < n {
		return nil, fmt.Errorf("%w: %d registered, %d required", ErrInsufficientTrustees, len(all), n)
	}
	unlock := a.lockKeygen(electionID)
	defer unlock()
	switch existing, err := a.stg.ElectionKeys(electionID); {
	case err == nil:
		if existing.Threshold.K == k && existing.Threshold.N == n {
			return existing, nil
		}
		return nil, fmt.Errorf("election keys with threshold %d-of-%d: %w",
			existing.Threshold.K, existing.Threshold.N, storage.ErrAlreadyExists)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	trustees := all[:n]
	ceremonyID := uuid.NewString()
	start := time.Now()

	// round 0: long-term deal keys
	dealKeys := make(map[int]types.HexBytes, n)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range trustees {
		g.Go(func() error {
			info, err := retry(gctx, a.retryTimeout, func() (*trustee.Info, error) { return t.Info(gctx) })
			if err != nil {
				return fmt.Errorf("trustee %s info: %w", t.ID(), err)
			}
			mu.Lock()
			dealKeys[i+1] = info.DealKey
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// round 1: every trustee deals
	commits := make(map[int][]types.HexBytes, n)
	inbox := make(map[int][]*dkg.Deal, n)
	g, gctx = errgroup.WithContext(ctx)
	for i, t := range trustees {
		g.Go(func() error {
			req := &trustee.DealRequest{ElectionID: electionID, CeremonyID: ceremonyID, Index: i + 1, Threshold: k, DealKeys: dealKeys}
			resp, err := retry(gctx, a.retryTimeout, func() (*trustee.DealResponse, error) { return t.Deal(gctx, req) })
			if err != nil {
				return fmt.Errorf("trustee %s deal: %w", t.ID(), err)
			}
			if resp.Index != i+1 || len(resp.Commits) != k || len(resp.Deals) != n-1 {
				return fmt.Errorf("%w: malformed deal from trustee %s", ErrCeremonyFailed, t.ID())
			}
			mu.Lock()
			defer mu.Unlock()
			commits[i+1] = resp.Commits
			for _, d := range resp.Deals {
				if d.Dealer != i+1 {
					return fmt.Errorf("%w: trustee %s dealt as %d", ErrCeremonyFailed, t.ID(), d.Dealer)
				}
				inbox[d.Recipient] = append(inbox[d.Recipient], d)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// round 2: every trustee verifies the deals addressed to it
	finals := make([]*trustee.FinalizeResponse, n)
	g, gctx = errgroup.WithContext(ctx)
	for i, t := range trustees {
		g.Go(func() error {
			req := &trustee.FinalizeRequest{ElectionID: electionID, CeremonyID: ceremonyID, Index: i + 1, Deals: inbox[i+1]}
			resp, err := retry(gctx, a.retryTimeout, func() (*trustee.FinalizeResponse, error) { return t.Finalize(gctx, req) })
			if err != nil {
				return fmt.Errorf("trustee %s finalize: %w", t.ID(), err)
			}
			finals[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// the public polynomial is the sum of the dealt ones
	pubPoly, err := sumCommits(commits, k)
	if err != nil {
		return nil, err
	}
	pub := pubPoly[0]
	handles := make([]storage.TrusteeHandle, n)
	for i, f := range finals {
		fpub, err := crypto.PointFromBytes(f.PublicKey)
		if err != nil || !fpub.Equal(pub) {
			return nil, fmt.Errorf("%w: trustee %s disagrees on the public key", ErrCeremonyFailed, trustees[i].ID())
		}
		share, err := crypto.PointFromBytes(f.PublicShare)
		if err != nil || !share.Equal(dkg.PublicShareAt(pubPoly, i+1)) {
			return nil, fmt.Errorf("%w: public share of trustee %s does not match", ErrCeremonyFailed, trustees[i].ID())
		}
		handles[i] = storage.TrusteeHandle{ID: trustees[i].ID(), Index: i + 1, PublicShare: f.PublicShare}
	}

	keys := &storage.ElectionKeys{
		ElectionID: electionID,
		KeyID:      ceremonyID,
		PublicKey:  crypto.PointBytes(pub),
		Commits:    dkg.EncodePoints(pubPoly),
		Threshold:  types.ThresholdConfig{K: k, N: n},
		Trustees:   handles,
		CreatedAt:  time.Now(),
	}
	if err := a.stg.SetElectionKeys(keys); err != nil {
		return nil, fmt.Errorf("store election keys: %w", err)
	}
	log.Infow("election keys generated",
		"electionID", fmt.Sprintf("%x", electionID),
		"keyID", keys.KeyID,
		"k", k, "n", n,
		"took", time.Since(start).String())
	return keys, nil
}

func sumCommits(commits map[int][]types.HexBytes, k int) ([]kyber.Point, error) {
	sum := make([]kyber.Point, k)
	for j := range sum {
		sum[j] = crypto.Suite.Point().Null()
	}
	for dealer, cs := range commits {
		points, err := dkg.DecodePoints(cs)
		if err != nil {
			return nil, fmt.Errorf("%w: commitments of %d: %v", ErrCeremonyFailed, dealer, err)
		}
		for j, p := range points {
			sum[j].Add(sum[j], p)
		}
	}
	return sum, nil
}

// ElectionKeys returns the stored keys of an election.
func (a *Authority) ElectionKeys(electionID []byte) (*storage.ElectionKeys, error) {
	keys, err := a.stg.ElectionKeys(electionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrKeysNotFound
		}
		return nil, err
	}
	return keys, nil
}

// PublicKey returns the public key of an election.
func (a *Authority) PublicKey(electionID []byte) (kyber.Point, error) {
	keys, err := a.ElectionKeys(electionID)
	if err != nil {
		return nil, err
	}
	return crypto.PointFromBytes(keys.PublicKey)
}

// ReconstructDecryptionCapability interpolates the election private key from
// at least k key shares. Every share is verified against the public
// polynomial of the election. It is meant for key ceremony audits: the
// tally never reconstructs the key.
func (a *Authority) ReconstructDecryptionCapability(electionID []byte, shares []*dkg.KeyShare, k int) (kyber.Scalar, error) {
	keys, err := a.ElectionKeys(electionID)
	if err != nil {
		return nil, err
	}
	commits, err := dkg.DecodePoints(keys.Commits)
	if err != nil {
		return nil, fmt.Errorf("election commitments: %w", err)
	}
	return ReconstructDecryptionCapability(commits, shares, k)
}

// ReconstructDecryptionCapability interpolates a private key from at least
// k distinct valid shares of the polynomial committed by commits.
func ReconstructDecryptionCapability(commits []kyber.Point, shares []*dkg.KeyShare, k int) (kyber.Scalar, error) {
	distinct := make(map[int]kyber.Scalar, len(shares))
	for _, s := range shares {
		if s == nil {
			continue
		}
		if err := dkg.VerifyShare(commits, s.Index, s.Share); err != nil {
			return nil, err
		}
		distinct[s.Index] = s.Share
	}
	if len(distinct) < k {
		return nil, fmt.Errorf("%w: %d distinct shares, need %d", ErrThresholdNotMet, len(distinct), k)
	}
	return dkg.Reconstruct(commits, distinct, k)
}
