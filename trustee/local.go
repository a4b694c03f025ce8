package trustee

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vottery/vottery-backend/crypto"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/storage"
	"go.dedis.ch/kyber/v3"
)

// Local is a trustee living in this process. Its key shares and its
// long-term key are kept in the storage; the secret polynomial only lives
// in memory between Deal and Finalize.
type Local struct {
	id  string
	stg *storage.Storage

	mu      sync.Mutex
	pending map[string]*ceremony
}

// ceremony is a key generation the trustee dealt for and has not finalized.
type ceremony struct {
	id    string
	p     *dkg.Participant
	dealt *DealResponse
}

// NewLocal returns the local trustee with the given id.
func NewLocal(id string, stg *storage.Storage) *Local {
	return &Local{
		id:      id,
		stg:     stg,
		pending: make(map[string]*ceremony),
	}
}

// ID implements Trustee.
func (l *Local) ID() string {
	return l.id
}

// Info implements Trustee.
func (l *Local) Info(_ context.Context) (*Info, error) {
	_, pub, err := l.stg.TrusteeKey(l.id)
	if err != nil {
		return nil, fmt.Errorf("trustee key: %w", err)
	}
	return &Info{ID: l.id, DealKey: crypto.PointBytes(pub)}, nil
}

// Deal implements Trustee. Repeating a request of the pending ceremony
// returns the same deals; a new ceremony replaces the pending one.
func (l *Local) Deal(_ context.Context, req *DealRequest) (*DealResponse, error) {
	if rec, err := l.stg.KeyShareRecord(l.id, req.ElectionID); err == nil {
		if rec.CeremonyID == req.CeremonyID {
			return nil, ErrAlreadyDealt
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	l.mu.Lock()
	if cur, ok := l.pending[string(req.ElectionID)]; ok && cur.id == req.CeremonyID && cur.p.ID == req.Index {
		l.mu.Unlock()
		return cur.dealt, nil
	}
	l.mu.Unlock()

	ids := make([]int, 0, len(req.DealKeys))
	keys := make(map[int]kyber.Point, len(req.DealKeys))
	for idx, raw := range req.DealKeys {
		pub, err := crypto.PointFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("deal key of trustee %d: %w", idx, err)
		}
		ids = append(ids, idx)
		keys[idx] = pub
	}
	slices.Sort(ids)
	p, err := dkg.NewParticipant(req.Index, req.Threshold, ids)
	if err != nil {
		return nil, err
	}
	p.GenerateSecretPolynomial()
	p.ComputeShares()
	deals, err := p.Deals(keys)
	if err != nil {
		return nil, err
	}
	resp := &DealResponse{
		Index:   req.Index,
		Commits: dkg.EncodePoints(p.Commitments()),
		Deals:   deals,
	}

	l.mu.Lock()
	if prev, ok := l.pending[string(req.ElectionID)]; ok && prev.id != req.CeremonyID {
		log.Warnw("abandoning unfinished key generation",
			"trustee", l.id,
			"electionID", req.ElectionID.String(),
			"ceremony", prev.id)
	}
	l.pending[string(req.ElectionID)] = &ceremony{id: req.CeremonyID, p: p, dealt: resp}
	l.mu.Unlock()

	log.Debugw("trustee dealt",
		"trustee", l.id,
		"electionID", req.ElectionID.String(),
		"ceremony", req.CeremonyID,
		"index", req.Index,
		"participants", len(ids))
	return resp, nil
}

// Finalize implements Trustee. Finalizing a ceremony whose share is already
// stored returns the stored outcome again.
func (l *Local) Finalize(_ context.Context, req *FinalizeRequest) (*FinalizeResponse, error) {
	if rec, err := l.stg.KeyShareRecord(l.id, req.ElectionID); err == nil &&
		rec.CeremonyID == req.CeremonyID && rec.Share.Index == req.Index {
		return finalizeResponse(rec.Share), nil
	}
	l.mu.Lock()
	cur, ok := l.pending[string(req.ElectionID)]
	l.mu.Unlock()
	if !ok || cur.id != req.CeremonyID || cur.p.ID != req.Index {
		return nil, ErrNoCeremony
	}
	p := cur.p
	priv, _, err := l.stg.TrusteeKey(l.id)
	if err != nil {
		return nil, fmt.Errorf("trustee key: %w", err)
	}
	for _, d := range req.Deals {
		if err := p.ReceiveDeal(d, priv); err != nil {
			return nil, err
		}
	}
	if err := p.AggregateShares(); err != nil {
		return nil, err
	}
	if err := p.AggregatePublicKey(); err != nil {
		return nil, err
	}
	ks, err := p.KeyShare()
	if err != nil {
		return nil, err
	}
	if err := l.stg.SetKeyShare(l.id, req.ElectionID, req.CeremonyID, ks); err != nil {
		return nil, fmt.Errorf("store key share: %w", err)
	}

	l.mu.Lock()
	if l.pending[string(req.ElectionID)] == cur {
		delete(l.pending, string(req.ElectionID))
	}
	l.mu.Unlock()

	log.Infow("trustee key share stored",
		"trustee", l.id,
		"electionID", req.ElectionID.String(),
		"ceremony", req.CeremonyID,
		"index", ks.Index)
	return finalizeResponse(ks), nil
}

func finalizeResponse(ks *dkg.KeyShare) *FinalizeResponse {
	return &FinalizeResponse{
		Index:       ks.Index,
		PublicShare: crypto.PointBytes(ks.PublicShare),
		PublicKey:   crypto.PointBytes(ks.PublicKey()),
		Commits:     dkg.EncodePoints(ks.Commits),
	}
}

// PartialDecrypt implements Trustee.
func (l *Local) PartialDecrypt(_ context.Context, req *DecryptRequest) (*dkg.PartialDecryption, error) {
	rec, err := l.stg.KeyShareRecord(l.id, req.ElectionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoShare
		}
		return nil, err
	}
	if req.KeyID != "" && rec.CeremonyID != req.KeyID {
		return nil, fmt.Errorf("%w: share belongs to key %s", ErrNoShare, rec.CeremonyID)
	}
	ks := rec.Share
	c1s, err := dkg.DecodePoints(req.C1s)
	if err != nil {
		return nil, fmt.Errorf("ciphertexts: %w", err)
	}
	return ks.PartialDecrypt(c1s, req.Context)
}

// KeyShare returns the stored key share of the trustee for an election. It
// is only used to feed key ceremony audits.
func (l *Local) KeyShare(electionID []byte) (*dkg.KeyShare, error) {
	return l.stg.KeyShare(l.id, electionID)
}
