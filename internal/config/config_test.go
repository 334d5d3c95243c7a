package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func parseArgs(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := pflag.NewFlagSet("fblaster", pflag.ContinueOnError)
	c := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return c
}

func TestRegisterFlagsDefaults(t *testing.T) {
	c := parseArgs(t)
	if c.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %s, want 60s", c.PollInterval)
	}
	if c.Debounce != 60*time.Second {
		t.Errorf("Debounce = %s, want 60s", c.Debounce)
	}
	if c.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 10s", c.ShutdownTimeout)
	}
	if c.Insecure {
		t.Error("Insecure = true, want false")
	}
	if c.MetricsTextfile != "" {
		t.Errorf("MetricsTextfile = %q, want empty", c.MetricsTextfile)
	}
}

func TestRegisterFlagsMetricsTextfile(t *testing.T) {
	c := parseArgs(t, "--metrics-textfile", "/srv/stack/metrics.prom")
	if c.MetricsTextfile != "/srv/stack/metrics.prom" {
		t.Errorf("MetricsTextfile = %q, want /srv/stack/metrics.prom", c.MetricsTextfile)
	}
}

func TestRegisterFlagsDockerTLS(t *testing.T) {
	c := parseArgs(t,
		"--docker-tls-ca", "/certs/ca.pem",
		"--docker-tls-cert", "/certs/cert.pem",
		"--docker-tls-key", "/certs/key.pem",
	)
	if c.DockerTLSCA != "/certs/ca.pem" || c.DockerTLSCert != "/certs/cert.pem" || c.DockerTLSKey != "/certs/key.pem" {
		t.Errorf("DockerTLS{CA,Cert,Key} = %q, %q, %q, want /certs/{ca,cert,key}.pem", c.DockerTLSCA, c.DockerTLSCert, c.DockerTLSKey)
	}
}

func TestRegisterFlagsOverride(t *testing.T) {
	c := parseArgs(t, "-i", "cat-image,dog-image", "-I", "5s", "-D", "5s", "-k")
	if len(c.Images) != 2 || c.Images[0] != "cat-image" || c.Images[1] != "dog-image" {
		t.Errorf("Images = %v, want [cat-image dog-image]", c.Images)
	}
	if c.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %s, want 5s", c.PollInterval)
	}
	if !c.Insecure {
		t.Error("Insecure = false, want true")
	}
}

func TestFinalizeDefaultsDirectoryToCwd(t *testing.T) {
	c := parseArgs(t)
	if err := Finalize(c); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !filepath.IsAbs(c.Directory) {
		t.Errorf("Directory = %q, want absolute", c.Directory)
	}
}

func TestFinalizeValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"zero debounce", func(c *Config) { c.Debounce = 0 }, true},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -1 }, true},
		{"zero health check interval", func(c *Config) { c.HealthCheckInterval = 0 }, true},
		{"zero ill health tolerance", func(c *Config) { c.IllHealthTolerance = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := parseArgs(t)
			tt.modify(c)
			err := Finalize(c)
			if (err != nil) != tt.wantErr {
				t.Errorf("Finalize() error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfig) {
				t.Errorf("error does not wrap ErrConfig: %v", err)
			}
		})
	}
}

func TestResolveCredentialsInsideDirectory(t *testing.T) {
	dir := t.TempDir()
	creds, err := resolveCredentials([]string{"ghcr.io:creds/ghcr.txt"}, dir)
	if err != nil {
		t.Fatalf("resolveCredentials: %v", err)
	}
	want := filepath.Join(dir, "creds/ghcr.txt")
	if creds["ghcr.io"] != want {
		t.Errorf("creds[ghcr.io] = %q, want %q", creds["ghcr.io"], want)
	}
}

func TestResolveCredentialsRegistryWithPort(t *testing.T) {
	dir := t.TempDir()
	creds, err := resolveCredentials([]string{"reg:7420:creds/reg.txt"}, dir)
	if err != nil {
		t.Fatalf("resolveCredentials: %v", err)
	}
	want := filepath.Join(dir, "creds/reg.txt")
	if creds["reg:7420"] != want {
		t.Errorf("creds[\"reg:7420\"] = %q, want %q", creds["reg:7420"], want)
	}
}

func TestResolveCredentialsOutsideDirectoryRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveCredentials([]string{"ghcr.io:../outside.txt"}, dir)
	if err == nil {
		t.Fatal("expected error for path escaping working directory")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("error does not wrap ErrConfig: %v", err)
	}
}

func TestResolveCredentialsMalformedPair(t *testing.T) {
	dir := t.TempDir()
	for _, pair := range []string{"noseparator", ":emptyregistry", "ghcr.io:"} {
		if _, err := resolveCredentials([]string{pair}, dir); err == nil {
			t.Errorf("resolveCredentials(%q) = nil error, want error", pair)
		}
	}
}

func TestPeerContainerNameDeterministic(t *testing.T) {
	c1 := &Config{Directory: "/srv/stack-a"}
	c2 := &Config{Directory: "/srv/stack-a"}
	c3 := &Config{Directory: "/srv/stack-b"}

	if c1.PeerContainerName() != c2.PeerContainerName() {
		t.Error("same directory produced different peer names")
	}
	if c1.PeerContainerName() == c3.PeerContainerName() {
		t.Error("different directories produced the same peer name")
	}
}
