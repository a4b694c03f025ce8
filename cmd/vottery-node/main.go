package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vottery/vottery-backend/api"
	"github.com/vottery/vottery-backend/config"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/service"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/storage/db/metadb"
	"github.com/vottery/vottery-backend/trustee"
)

func main() {
	conf, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Init(conf.LogLevel, conf.LogOutput, nil)

	database, err := metadb.New(conf.DBType, filepath.Join(conf.Datadir, "db"))
	if err != nil {
		log.Fatal(err)
	}
	stg := storage.New(database)
	defer stg.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if conf.TrusteeID != "" {
		runTrustee(ctx, conf, stg)
		return
	}
	runNode(ctx, conf, stg)
}

// runTrustee serves a single trustee over HTTP for a remote key authority.
func runTrustee(ctx context.Context, conf *config.Config, stg *storage.Storage) {
	apiSrv := service.NewAPI(api.APIConfig{
		Host:         conf.APIHost,
		Port:         conf.APIPort,
		Trustee:      trustee.NewLocal(conf.TrusteeID, stg),
		TrusteeToken: conf.TrusteeToken,
	})
	if err := apiSrv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer apiSrv.Stop()
	log.Infow("trustee node started", "trustee", conf.TrusteeID, "addr", apiSrv.Addr())
	<-ctx.Done()
	log.Info("shutting down")
}

func runNode(ctx context.Context, conf *config.Config, stg *storage.Storage) {
	authority := keyauthority.New(stg)
	authority.SetRetryTimeout(conf.TrusteeRetryTimeout)
	for i := range conf.LocalTrustees {
		authority.AddTrustee(trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), stg))
	}
	remotes, err := conf.Remotes()
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range remotes {
		t, err := trustee.NewRemote(r.ID, r.URL, conf.TrusteeToken)
		if err != nil {
			log.Fatalf("remote trustee %s: %v", r.ID, err)
		}
		authority.AddTrustee(t)
	}

	seqSrv, err := service.NewSequencer(stg, authority, sequencer.Config{
		TickInterval:    conf.TickInterval,
		ArchiveAfter:    conf.ArchiveAfter,
		ArchiveSchedule: conf.ArchiveSchedule,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := seqSrv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer seqSrv.Stop()

	monitor := service.NewElectionMonitor(seqSrv.Sequencer(), stg, conf.MonitorInterval)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer monitor.Stop()

	apiSrv := service.NewAPI(api.APIConfig{
		Host:          conf.APIHost,
		Port:          conf.APIPort,
		Sequencer:     seqSrv.Sequencer(),
		SessionMaxAge: conf.SessionMaxAge,
	})
	if err := apiSrv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer apiSrv.Stop()

	log.Infow("vottery node started",
		"addr", apiSrv.Addr(),
		"datadir", conf.Datadir,
		"trustees", len(authority.Trustees()))
	<-ctx.Done()
	log.Info("shutting down")
}
