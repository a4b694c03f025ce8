package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/vocdoni/arbo/memdb"
	"github.com/vottery/vottery-backend/api"
	"github.com/vottery/vottery-backend/api/client"
	"github.com/vottery/vottery-backend/crypto/ethereum"
	"github.com/vottery/vottery-backend/keyauthority"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/service"
	"github.com/vottery/vottery-backend/storage"
	"github.com/vottery/vottery-backend/trustee"
	"github.com/vottery/vottery-backend/types"
)

func main() {
	host := flag.String("host", "", "API of a running node, empty starts an in-memory node")
	nVoters := flag.Int("voters", 20, "number of voters")
	nCandidates := flag.Int("candidates", 3, "number of candidates")
	threshold := flag.Int("threshold", 2, "trustees needed to decrypt")
	trustees := flag.Int("trustees", 3, "trustees of the election")
	timeout := flag.Duration("timeout", 5*time.Minute, "timeout of the whole run")
	flag.Parse()
	log.Init("debug", "stdout", nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *host == "" {
		stop := startNode(ctx, *trustees)
		defer stop()
		*host = "http://" + nodeAddr
	}
	if err := run(ctx, *host, *nVoters, *nCandidates, types.ThresholdConfig{K: *threshold, N: *trustees}); err != nil {
		log.Fatal(err)
	}
	log.Info("end to end test passed")
}

var nodeAddr string

// startNode runs a whole node in this process, backed by memory.
func startNode(ctx context.Context, nTrustees int) func() {
	stg := storage.New(memdb.New())
	authority := keyauthority.New(stg)
	for i := range nTrustees {
		authority.AddTrustee(trustee.NewLocal(fmt.Sprintf("trustee-%d", i+1), stg))
	}
	seqSrv, err := service.NewSequencer(stg, authority, sequencer.Config{TickInterval: time.Second})
	if err != nil {
		log.Fatal(err)
	}
	if err := seqSrv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	monitor := service.NewElectionMonitor(seqSrv.Sequencer(), stg, time.Second)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal(err)
	}
	apiSrv := service.NewAPI(api.APIConfig{Host: "127.0.0.1", Port: 0, Sequencer: seqSrv.Sequencer()})
	if err := apiSrv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	nodeAddr = apiSrv.Addr()
	return func() {
		apiSrv.Stop()
		monitor.Stop()
		seqSrv.Stop()
		stg.Close()
	}
}

func newClient(host string, keys *ethereum.SignKeys, eid []byte) (*client.HTTPclient, error) {
	cli, err := client.New(host)
	if err != nil {
		return nil, err
	}
	if keys != nil {
		token, err := api.SessionToken(keys, eid, time.Now().Add(time.Hour))
		if err != nil {
			return nil, err
		}
		cli.SetAuthToken(token)
	}
	return cli, nil
}

func electionPath(pattern string, eid []byte) string {
	return client.Path(pattern, api.ElectionURLParam, fmt.Sprintf("%x", eid))
}

func run(ctx context.Context, host string, nVoters, nCandidates int, th types.ThresholdConfig) error {
	organizer := ethereum.NewSignKeys()
	if err := organizer.Generate(); err != nil {
		return err
	}
	public, err := newClient(host, nil, nil)
	if err != nil {
		return err
	}

	// create the election
	nonce := rand.Uint64()
	sig, err := organizer.SignEthereum(api.CreateElectionMessage(nonce))
	if err != nil {
		return err
	}
	candidates := make([]types.Candidate, nCandidates)
	for i := range candidates {
		candidates[i] = types.Candidate{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("Candidate %d", i)}
	}
	info := &api.ElectionInfo{}
	if _, err := public.Call(ctx, client.HTTPPOST, &api.NewElection{
		Title:      "end to end",
		Candidates: candidates,
		StartTime:  time.Now(),
		EndTime:    time.Now().Add(time.Hour),
		Threshold:  th,
		Nonce:      nonce,
		Signature:  sig,
	}, info, api.ElectionsEndpoint); err != nil {
		return fmt.Errorf("create election: %w", err)
	}
	eid := info.ID
	log.Infow("election created", "electionID", eid.String())

	// census
	voters := make([]*ethereum.SignKeys, nVoters)
	addrs := make([]common.Address, nVoters)
	for i := range voters {
		voters[i] = ethereum.NewSignKeys()
		if err := voters[i].Generate(); err != nil {
			return err
		}
		addrs[i] = voters[i].Address()
	}
	org, err := newClient(host, organizer, eid)
	if err != nil {
		return err
	}
	census := &api.CensusResponse{}
	if _, err := org.Call(ctx, client.HTTPPOST, &api.CensusRequest{Voters: addrs}, census,
		electionPath(api.CensusEndpoint, eid)); err != nil {
		return fmt.Errorf("census: %w", err)
	}
	log.Infow("census ready", "root", census.Root.String(), "voters", nVoters)

	// keys
	start := time.Now()
	keys := &api.KeysResponse{}
	if _, err := org.Call(ctx, client.HTTPPOST, nil, keys, electionPath(api.KeysEndpoint, eid)); err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}
	log.Infow("election keys generated", "keyID", keys.KeyID, "took", time.Since(start).String())

	if err := waitStatus(ctx, public, eid, types.ElectionStatusActive); err != nil {
		return err
	}

	// vote
	start = time.Now()
	expected := make([]uint64, nCandidates)
	responses := make([]*api.BallotResponse, nVoters)
	for i, v := range voters {
		cli, err := newClient(host, v, eid)
		if err != nil {
			return err
		}
		choice := rand.IntN(nCandidates)
		responses[i] = &api.BallotResponse{}
		if _, err := cli.Call(ctx, client.HTTPPOST, &api.CastBallot{CandidateIndex: &choice}, responses[i],
			electionPath(api.BallotsEndpoint, eid)); err != nil {
			return fmt.Errorf("voter %d: %w", i, err)
		}
		expected[choice]++
	}
	log.Infow("ballots cast", "count", nVoters, "took", time.Since(start).String())

	// close and wait for the sequencer to tally
	if _, err := org.Call(ctx, client.HTTPPOST, nil, nil, electionPath(api.CloseEndpoint, eid)); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	start = time.Now()
	res, err := waitTally(ctx, public, eid)
	if err != nil {
		return err
	}
	log.Infow("election tallied", "took", time.Since(start).String(), "totalVotes", res.TotalVotes)
	for i, r := range res.CandidateResults {
		if r.Votes != expected[i] {
			return fmt.Errorf("candidate %s has %d votes, expected %d", r.CandidateID, r.Votes, expected[i])
		}
	}

	// every receipt verifies against the published tree
	for i, r := range responses {
		v := &api.VoteVerification{}
		if _, err := public.Call(ctx, client.HTTPPOST, &api.VerifyVote{
			VerificationCode: r.VerificationCode,
			ReceiptHash:      r.ReceiptHash,
		}, v, api.VerifyVoteEndpoint); err != nil {
			return fmt.Errorf("verify receipt %d: %w", i, err)
		}
		if !v.IsValid || v.Status != receipts.StatusVerified {
			return fmt.Errorf("receipt %d not verified: %s", i, v.Status)
		}
	}
	log.Infow("receipts verified", "count", len(responses))
	return nil
}

func waitStatus(ctx context.Context, cli *client.HTTPclient, eid []byte, status types.ElectionStatus) error {
	for {
		info := &api.ElectionInfo{}
		if _, err := cli.Call(ctx, client.HTTPGET, nil, info, electionPath(api.ElectionEndpoint, eid)); err != nil {
			return err
		}
		if info.Status == status {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("election is %s, waiting for %s: %w", info.Status, status, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

func waitTally(ctx context.Context, cli *client.HTTPclient, eid []byte) (*types.TallyResult, error) {
	for {
		res := &types.TallyResult{}
		status, err := cli.Call(ctx, client.HTTPGET, nil, res, electionPath(api.TallyEndpoint, eid))
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for the tally: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
