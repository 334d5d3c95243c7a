package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ErrConfig is the sentinel wrapped by every configuration validation failure.
var ErrConfig = fmt.Errorf("config error")

// Config holds fblaster's startup configuration, built once from CLI flags
// and immutable thereafter — there is no HTTP layer to mutate it at runtime.
type Config struct {
	Images              []string
	CredentialPairs     []string // raw "registry:path" as given on the command line
	Directory           string
	ShutdownTimeout     time.Duration
	PollInterval        time.Duration
	Debounce            time.Duration
	HealthCheckInterval time.Duration
	IllHealthTolerance  time.Duration
	Insecure            bool
	SignalPoll          bool
	LogJSON             bool
	DockerSock          string
	DockerTLSCA         string
	DockerTLSCert       string
	DockerTLSKey        string
	MetricsTextfile     string

	// Credentials maps registry host to the absolute path of its
	// credentials file, populated by Finalize.
	Credentials map[string]string
}

// RegisterFlags binds fblaster's flags onto fs and returns the Config they
// populate. Call Finalize after fs.Parse to validate and resolve paths.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	c := &Config{}
	fs.StringSliceVarP(&c.Images, "images", "i", nil, "tracked image set (bare or registry/image)")
	fs.StringArrayVarP(&c.CredentialPairs, "credentials", "c", nil, "registry:path credentials file (repeatable)")
	fs.StringVarP(&c.Directory, "directory", "d", "", "working directory containing the manifest (default: cwd)")
	fs.DurationVarP(&c.ShutdownTimeout, "shutdown-timeout", "s", 10*time.Second, "graceful shutdown wait")
	fs.DurationVarP(&c.PollInterval, "poll-interval", "I", 60*time.Second, "registry poll period")
	fs.DurationVarP(&c.Debounce, "debounce", "D", 60*time.Second, "update debounce window")
	fs.DurationVarP(&c.HealthCheckInterval, "health-check-interval", "H", 60*time.Second, "health poll period")
	fs.DurationVarP(&c.IllHealthTolerance, "ill-health-tolerance", "t", 60*time.Second, "unhealthy duration before restart")
	fs.BoolVarP(&c.Insecure, "insecure", "k", false, "accept self-signed TLS on registries")
	fs.BoolVarP(&c.SignalPoll, "signal-poll", "S", false, "send a poke to the running peer and exit")
	fs.BoolVar(&c.LogJSON, "log-json", false, "emit JSON logs instead of text")
	fs.StringVar(&c.DockerSock, "docker-sock", "/var/run/docker.sock", "Docker daemon socket or tcp:// endpoint")
	fs.StringVar(&c.DockerTLSCA, "docker-tls-ca", "", "CA certificate for a tcp:// Docker endpoint (mTLS)")
	fs.StringVar(&c.DockerTLSCert, "docker-tls-cert", "", "client certificate for a tcp:// Docker endpoint (mTLS)")
	fs.StringVar(&c.DockerTLSKey, "docker-tls-key", "", "client key for a tcp:// Docker endpoint (mTLS)")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "path to write fblaster_ metrics in node_exporter textfile format after each poll (disabled if empty)")
	return c
}

// Finalize resolves the working directory, validates credential paths, and
// checks that all durations are sane. Call after the flag set has been
// parsed.
func Finalize(c *Config) error {
	if c.Directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: resolve working directory: %v", ErrConfig, err)
		}
		c.Directory = wd
	}
	dir, err := filepath.Abs(c.Directory)
	if err != nil {
		return fmt.Errorf("%w: resolve directory %q: %v", ErrConfig, c.Directory, err)
	}
	c.Directory = dir

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: --poll-interval must be > 0, got %s", ErrConfig, c.PollInterval)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("%w: --debounce must be > 0, got %s", ErrConfig, c.Debounce)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: --health-check-interval must be > 0, got %s", ErrConfig, c.HealthCheckInterval)
	}
	if c.IllHealthTolerance <= 0 {
		return fmt.Errorf("%w: --ill-health-tolerance must be > 0, got %s", ErrConfig, c.IllHealthTolerance)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: --shutdown-timeout must be >= 0, got %s", ErrConfig, c.ShutdownTimeout)
	}

	creds, err := resolveCredentials(c.CredentialPairs, c.Directory)
	if err != nil {
		return err
	}
	c.Credentials = creds
	return nil
}

// resolveCredentials parses "registry:path" pairs and checks that each path
// resolves inside dir. The registry host itself may carry a port (e.g.
// "reg:7420"), so the split is on the *last* colon — paths never contain
// one on the platforms fblaster targets.
func resolveCredentials(pairs []string, dir string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		idx := strings.LastIndex(pair, ":")
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("%w: --credentials %q must be registry:path", ErrConfig, pair)
		}
		registryHost := pair[:idx]
		rawPath := pair[idx+1:]

		path := rawPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		path, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve credentials path %q: %v", ErrConfig, rawPath, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("%w: credentials path %q must resolve inside %q", ErrConfig, rawPath, dir)
		}
		out[registryHost] = path
	}
	return out, nil
}

// ManifestPath returns the operator-authored manifest path.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Directory, "docker-compose.yml")
}

// DerivedManifestPath returns the path fblaster writes and the orchestration
// child reads.
func (c *Config) DerivedManifestPath() string {
	return filepath.Join(c.Directory, "fblaster-docker-compose.yml")
}

// VersionStorePath returns the path of the persisted version store.
func (c *Config) VersionStorePath() string {
	return filepath.Join(c.Directory, "fblaster-versions.yml")
}

// PeerContainerName returns the deterministic container name used to
// address a running peer for --signal-poll.
func (c *Config) PeerContainerName() string {
	return peerContainerName(c.Directory)
}
