// Package config holds the configuration of a vottery node, read from the
// command line flags and VOTTERY_ environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/vottery/vottery-backend/log"
	"github.com/vottery/vottery-backend/sequencer"
	"github.com/vottery/vottery-backend/storage/db/metadb"
)

// EnvPrefix is the prefix of the environment variables that override the
// flag defaults. The flag name is upper cased and dashes and dots become
// underscores: --api.port is VOTTERY_API_PORT.
const EnvPrefix = "VOTTERY_"

// Config is the configuration of a node.
type Config struct {
	Datadir string
	DBType  string

	LogLevel  string
	LogOutput string

	APIHost       string
	APIPort       int
	SessionMaxAge time.Duration

	TickInterval    time.Duration
	MonitorInterval time.Duration
	ArchiveAfter    time.Duration
	ArchiveSchedule string

	// LocalTrustees is the number of trustees run inside the node.
	LocalTrustees int
	// RemoteTrustees are "id@url" trustee nodes.
	RemoteTrustees []string
	// TrusteeToken authenticates the key authority on trustee nodes.
	TrusteeToken string
	// TrusteeID, when set, makes the node a trustee node: it only serves
	// the trustee endpoints.
	TrusteeID string
	// TrusteeRetryTimeout bounds the retries of every trustee call.
	TrusteeRetryTimeout time.Duration
}

// RemoteTrustee is a parsed RemoteTrustees entry.
type RemoteTrustee struct {
	ID  string
	URL string
}

func defaultDatadir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vottery"
	}
	return filepath.Join(home, ".vottery")
}

// Load parses the arguments, without the program name, into a validated
// Config.
func Load(args []string) (*Config, error) {
	c := &Config{}
	fs := flag.NewFlagSet("vottery-node", flag.ContinueOnError)
	fs.StringVar(&c.Datadir, "datadir", defaultDatadir(), "data directory")
	fs.StringVar(&c.DBType, "db.type", metadb.TypePebble, "database type (pebble or memory)")
	fs.StringVar(&c.LogLevel, "log.level", log.LogLevelInfo, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogOutput, "log.output", "stderr", "log output (stdout, stderr or a file path)")
	fs.StringVar(&c.APIHost, "api.host", "0.0.0.0", "API listen host")
	fs.IntVar(&c.APIPort, "api.port", 9090, "API listen port")
	fs.DurationVar(&c.SessionMaxAge, "api.sessionMaxAge", 24*time.Hour, "maximum lifetime of a session token")
	fs.DurationVar(&c.TickInterval, "sequencer.tick", sequencer.DefaultTickInterval, "period of the processing loops")
	fs.DurationVar(&c.MonitorInterval, "sequencer.monitor", 5*time.Second, "period of the voting window checks")
	fs.DurationVar(&c.ArchiveAfter, "sequencer.archiveAfter", sequencer.DefaultArchiveAfter, "retention of tallied elections before archiving")
	fs.StringVar(&c.ArchiveSchedule, "sequencer.archiveSchedule", sequencer.DefaultArchiveSchedule, "cron spec of the archive job")
	fs.IntVar(&c.LocalTrustees, "trustees.local", 3, "number of trustees run inside the node")
	fs.StringSliceVar(&c.RemoteTrustees, "trustees.remote", nil, "remote trustee nodes as id@url")
	fs.StringVar(&c.TrusteeToken, "trustees.token", "", "token shared with the trustee nodes")
	fs.StringVar(&c.TrusteeID, "trustee.id", "", "run as a trustee node with this id")
	fs.DurationVar(&c.TrusteeRetryTimeout, "trustees.retryTimeout", 30*time.Second, "retry budget of every trustee call")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := applyEnv(fs); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv sets the flags not given on the command line from the
// environment.
func applyEnv(fs *flag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || f.Changed {
			return
		}
		name := EnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(f.Name))
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if serr := fs.Set(f.Name, v); serr != nil {
			err = fmt.Errorf("invalid %s: %w", name, serr)
		}
	})
	return err
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DBType != metadb.TypePebble && c.DBType != metadb.TypeMemory {
		return fmt.Errorf("invalid db.type %q", c.DBType)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api.port %d", c.APIPort)
	}
	if c.TickInterval <= 0 || c.MonitorInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.TrusteeID != "" {
		if c.TrusteeToken == "" {
			return fmt.Errorf("a trustee node needs trustees.token")
		}
		return nil
	}
	if c.LocalTrustees < 0 {
		return fmt.Errorf("invalid trustees.local %d", c.LocalTrustees)
	}
	remotes, err := c.Remotes()
	if err != nil {
		return err
	}
	if len(remotes) > 0 && c.TrusteeToken == "" {
		return fmt.Errorf("remote trustees need trustees.token")
	}
	if c.LocalTrustees+len(remotes) < 2 {
		return fmt.Errorf("at least 2 trustees are needed, have %d", c.LocalTrustees+len(remotes))
	}
	return nil
}

// Remotes parses the remote trustees.
func (c *Config) Remotes() ([]RemoteTrustee, error) {
	out := make([]RemoteTrustee, 0, len(c.RemoteTrustees))
	seen := make(map[string]bool)
	for _, r := range c.RemoteTrustees {
		id, rawURL, ok := strings.Cut(r, "@")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid remote trustee %q, expected id@url", r)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return nil, fmt.Errorf("invalid remote trustee url %q: %w", rawURL, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicated remote trustee %q", id)
		}
		seen[id] = true
		out = append(out, RemoteTrustee{ID: id, URL: rawURL})
	}
	return out, nil
}
