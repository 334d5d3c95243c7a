package registry

import (
	"fmt"
	"os"
	"strings"
)

// Credential holds the basic-auth login for one registry host.
type Credential struct {
	Registry string
	Username string
	Secret   string
}

// LoadCredentials reads one credentials file per registry. Each file's
// single line is "username:password".
func LoadCredentials(paths map[string]string) ([]Credential, error) {
	creds := make([]Credential, 0, len(paths))
	for registryHost, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read credentials for %s: %w", registryHost, err)
		}
		line := strings.TrimSpace(string(data))
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("credentials file %s: expected username:password", path)
		}
		creds = append(creds, Credential{
			Registry: registryHost,
			Username: line[:idx],
			Secret:   line[idx+1:],
		})
	}
	return creds, nil
}

// FindByRegistry returns the credential for a given registry host, or nil.
func FindByRegistry(creds []Credential, registryHost string) *Credential {
	for i, c := range creds {
		if c.Registry == registryHost {
			return &creds[i]
		}
	}
	return nil
}
