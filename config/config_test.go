package config

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/storage/db/metadb"
)

func TestLoadDefaults(t *testing.T) {
	c := qt.New(t)
	conf, err := Load(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(conf.DBType, qt.Equals, metadb.TypePebble)
	c.Assert(conf.APIPort, qt.Equals, 9090)
	c.Assert(conf.LocalTrustees, qt.Equals, 3)
	c.Assert(conf.SessionMaxAge, qt.Equals, 24*time.Hour)
}

func TestLoadFlagsAndEnv(t *testing.T) {
	c := qt.New(t)
	t.Setenv("VOTTERY_API_PORT", "8000")
	t.Setenv("VOTTERY_DB_TYPE", "memory")
	t.Setenv("VOTTERY_LOG_LEVEL", "warn")

	// flags win over the environment
	conf, err := Load([]string{"--api.port=7000", "--trustees.local=1",
		"--trustees.remote=t2@http://127.0.0.1:9191", "--trustees.token=secret"})
	c.Assert(err, qt.IsNil)
	c.Assert(conf.APIPort, qt.Equals, 7000)
	c.Assert(conf.DBType, qt.Equals, metadb.TypeMemory)
	c.Assert(conf.LogLevel, qt.Equals, "warn")

	remotes, err := conf.Remotes()
	c.Assert(err, qt.IsNil)
	c.Assert(remotes, qt.DeepEquals, []RemoteTrustee{{ID: "t2", URL: "http://127.0.0.1:9191"}})
}

func TestLoadInvalid(t *testing.T) {
	for name, args := range map[string][]string{
		"db type":         {"--db.type=bolt"},
		"one trustee":     {"--trustees.local=1"},
		"remote no token": {"--trustees.remote=t2@http://127.0.0.1:9191"},
		"remote format":   {"--trustees.remote=http://127.0.0.1:9191", "--trustees.token=x"},
		"remote dup":      {"--trustees.remote=t2@http://a,t2@http://b", "--trustees.token=x"},
		"trustee token":   {"--trustee.id=t1"},
		"unknown flag":    {"--nope"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(args)
			qt.Assert(t, err, qt.IsNotNil)
		})
	}
	t.Setenv("VOTTERY_API_PORT", "not-a-port")
	_, err := Load(nil)
	qt.Assert(t, err, qt.ErrorMatches, "invalid VOTTERY_API_PORT.*")
}
