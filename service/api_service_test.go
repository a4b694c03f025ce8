package service

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/api"
	"github.com/vottery/vottery-backend/api/client"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"go.vocdoni.io/dvote/db/metadb"
)

func TestAPIService(t *testing.T) {
	c := qt.New(t)

	store := storage.New(metadb.NewTest(t))

	// Port 0 lets the OS choose an available port
	apiService := NewAPI(api.APIConfig{
		Host:         "127.0.0.1",
		Port:         0,
		Trustee:      trustee.NewLocal("trustee-1", store),
		TrusteeToken: "secret",
	})

	ctx := context.Background()
	err := apiService.Start(ctx)
	c.Assert(err, qt.IsNil)
	defer apiService.Stop()

	cli, err := client.New("http://" + apiService.Addr())
	c.Assert(err, qt.IsNil)
	c.Assert(cli.Ping(ctx), qt.IsNil)

	// Test stopping and restarting
	apiService.Stop()
	c.Assert(apiService.Addr(), qt.Equals, "")
	err = apiService.Start(ctx)
	c.Assert(err, qt.IsNil)

	// Test starting an already running service
	err = apiService.Start(ctx)
	c.Assert(err, qt.ErrorMatches, "service already running")
}
