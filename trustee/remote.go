package trustee

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vottery/vottery-backend/api/client"
	"github.com/vottery/vottery-backend/crypto/elgamal/dkg"
)

// Trustee endpoints served by trustee nodes.
const (
	InfoEndpoint     = "/trustee/info"
	DealEndpoint     = "/trustee/elections/{electionId}/deal"
	FinalizeEndpoint = "/trustee/elections/{electionId}/deals"
	DecryptEndpoint  = "/trustee/elections/{electionId}/decrypt"
)

// Remote is a trustee reached over HTTP.
type Remote struct {
	id string
	c  *client.HTTPclient
}

// NewRemote returns a client for the trustee with the given id served at
// host. The token authenticates the key authority to the trustee node. The
// host is not contacted until the first call.
func NewRemote(id, host, token string) (*Remote, error) {
	c, err := client.NewUnchecked(host)
	if err != nil {
		return nil, err
	}
	// the key authority retries on its own
	c.SetRetries(1)
	c.SetAuthToken(token)
	return &Remote{id: id, c: c}, nil
}

// ID implements Trustee.
func (r *Remote) ID() string {
	return r.id
}

func (r *Remote) call(ctx context.Context, method string, body, out any, urlPath ...string) error {
	_, err := r.c.Call(ctx, method, body, out, urlPath...)
	if err == nil {
		return nil
	}
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		if apiErr.Status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, r.id, apiErr)
		}
		return fmt.Errorf("trustee %s: %w", r.id, apiErr)
	}
	// transport error
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, r.id, err)
}

func electionPath(endpoint string, electionID []byte) string {
	return client.Path(endpoint, "electionId", fmt.Sprintf("%x", electionID))
}

// Info implements Trustee.
func (r *Remote) Info(ctx context.Context) (*Info, error) {
	info := &Info{}
	if err := r.call(ctx, client.HTTPGET, nil, info, InfoEndpoint); err != nil {
		return nil, err
	}
	if info.ID != r.id {
		return nil, fmt.Errorf("trustee at %s identifies as %q, expected %q", r.c.Host(), info.ID, r.id)
	}
	return info, nil
}

// Deal implements Trustee.
func (r *Remote) Deal(ctx context.Context, req *DealRequest) (*DealResponse, error) {
	resp := &DealResponse{}
	if err := r.call(ctx, client.HTTPPOST, req, resp, electionPath(DealEndpoint, req.ElectionID)); err != nil {
		return nil, err
	}
	return resp, nil
}

// Finalize implements Trustee.
func (r *Remote) Finalize(ctx context.Context, req *FinalizeRequest) (*FinalizeResponse, error) {
	resp := &FinalizeResponse{}
	if err := r.call(ctx, client.HTTPPOST, req, resp, electionPath(FinalizeEndpoint, req.ElectionID)); err != nil {
		return nil, err
	}
	return resp, nil
}

// PartialDecrypt implements Trustee.
func (r *Remote) PartialDecrypt(ctx context.Context, req *DecryptRequest) (*dkg.PartialDecryption, error) {
	pd := &dkg.PartialDecryption{}
	if err := r.call(ctx, client.HTTPPOST, req, pd, electionPath(DecryptEndpoint, req.ElectionID)); err != nil {
		return nil, err
	}
	return pd, nil
}
