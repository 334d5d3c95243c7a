package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// tagListResponse is the registry v2 tags/list response shape.
type tagListResponse struct {
	Tags []string `json:"tags"`
}

// ListTags fetches every tag for repo on host. It requests a large page
// size: GHCR and similar registries default to 100 tags per page, which
// misses newer tags on images with many variants.
func ListTags(ctx context.Context, host, repo string, cred *Credential, insecure bool) ([]string, error) {
	url := fmt.Sprintf("https://%s/v2/%s/tags/list?n=10000", host, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create tags request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	client := httpClient
	if insecure {
		client = &http.Client{
			Timeout: httpClient.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned %d", resp.StatusCode)
	}

	var tagList tagListResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagList); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return tagList.Tags, nil
}

// SelectUpgrade returns the greatest tag in tags that satisfies the caret
// range "^current" (>= current, < next semver-incompatible boundary), if
// that tag differs from current. Non-semver tags are ignored. Returns
// ("", false) if nothing newer is eligible or current is not valid semver.
func SelectUpgrade(current string, tags []string) (string, bool) {
	curVer, err := semver.NewVersion(current)
	if err != nil {
		return "", false
	}
	constraint, err := semver.NewConstraint("^" + current)
	if err != nil {
		return "", false
	}

	var candidates []*semver.Version
	for _, t := range tags {
		v, err := semver.NewVersion(t)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Sort(semver.Collection(candidates))
	best := candidates[len(candidates)-1]
	if best.Equal(curVer) {
		return "", false
	}
	return best.Original(), true
}
