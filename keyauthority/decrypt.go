package keyauthority

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/trustee"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/sync/errgroup"
)

// Decryption is the outcome of a threshold decryption.
type Decryption struct {
	// Plaintexts holds the points M_j = m_j*G, one per ciphertext.
	Plaintexts []kyber.Point
	// Partials are the verified partial decryptions that were combined.
	Partials []*dkg.PartialDecryption
}

// Trustees returns the indexes of the trustees whose partials were combined.
func (d *Decryption) Trustees() []int {
	out := make([]int, len(d.Partials))
	for i, pd := range d.Partials {
		out[i] = pd.Index
	}
	sort.Ints(out)
	return out
}

type partialResult struct {
	pd  *dkg.PartialDecryption
	err error
}

// ThresholdDecrypt asks every trustee of the election for a partial
// decryption of the ciphertexts, retrying unavailable ones, verifies every
// answer against the public share of its trustee and combines the first k
// valid ones. Any k trustees are enough; it fails with ErrThresholdNotMet
// when fewer answer validly. The context is bound into the proofs.
func (a *Authority) ThresholdDecrypt(ctx context.Context, electionID []byte, cts []*elgamal.Ciphertext, proofContext []byte) (*Decryption, error) {
	keys, err := a.ElectionKeys(electionID)
	if err != nil {
		return nil, err
	}
	if len(cts) == 0 {
		return nil, fmt.Errorf("nothing to decrypt")
	}
	c1s := make([]kyber.Point, len(cts))
	c2s := make([]kyber.Point, len(cts))
	for i, ct := range cts {
		if ct == nil || ct.C1 == nil || ct.C2 == nil {
			return nil, fmt.Errorf("ciphertext %d is empty", i)
		}
		c1s[i], c2s[i] = ct.C1, ct.C2
	}
	req := &trustee.DecryptRequest{
		ElectionID: electionID,
		KeyID:      keys.KeyID,
		Context:    proofContext,
		C1s:        dkg.EncodePoints(c1s),
	}
	k := keys.Threshold.K

	collectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan partialResult, len(keys.Trustees))
	g, gctx := errgroup.WithContext(collectCtx)
	for _, h := range keys.Trustees {
		g.Go(func() error {
			results <- a.collectPartial(gctx, h.ID, h.Index, h.PublicShare, req, c1s)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	var partials []*dkg.PartialDecryption
	var failures []string
	for r := range results {
		if r.err != nil {
			failures = append(failures, r.err.Error())
			continue
		}
		partials = append(partials, r.pd)
		if len(partials) == k {
			// enough, stop the rest
			cancel()
			break
		}
	}
	if len(partials) < k {
		return nil, fmt.Errorf("%w: %d valid partial decryptions of %d required (%s)",
			ErrThresholdNotMet, len(partials), k, strings.Join(failures, "; "))
	}
	plaintexts, err := dkg.CombinePartialDecryptions(c2s, partials, k)
	if err != nil {
		return nil, err
	}
	log.Debugw("threshold decryption done",
		"electionID", fmt.Sprintf("%x", electionID),
		"ciphertexts", len(cts),
		"failures", len(failures))
	return &Decryption{Plaintexts: plaintexts, Partials: partials}, nil
}

func (a *Authority) collectPartial(ctx context.Context, id string, index int, rawShare []byte,
	req *trustee.DecryptRequest, c1s []kyber.Point,
) partialResult {
	t := a.trustee(id)
	if t == nil {
		return partialResult{err: fmt.Errorf("trustee %s is not registered", id)}
	}
	publicShare, err := crypto.PointFromBytes(rawShare)
	if err != nil {
		return partialResult{err: fmt.Errorf("public share of %s: %w", id, err)}
	}
	pd, err := retry(ctx, a.retryTimeout, func() (*dkg.PartialDecryption, error) {
		return t.PartialDecrypt(ctx, req)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warnw("trustee did not provide a partial decryption", "trustee", id, "error", err.Error())
		}
		return partialResult{err: fmt.Errorf("trustee %s: %w", id, err)}
	}
	if pd.Index != index {
		return partialResult{err: fmt.Errorf("trustee %s answered as index %d, expected %d", id, pd.Index, index)}
	}
	if err := dkg.VerifyPartialDecryption(publicShare, c1s, pd, req.Context); err != nil {
		log.Warnw("invalid partial decryption", "trustee", id, "error", err.Error())
		return partialResult{err: err}
	}
	return partialResult{pd: pd}
}
