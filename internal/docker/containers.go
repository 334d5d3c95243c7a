package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"
)

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// PullImage pulls an image by reference, waiting for pull to complete.
// registryAuth, if non-empty, is a base64-encoded registry auth blob as
// produced by EncodeAuth, used to authenticate the pull against a private
// registry independently of any daemon-level docker login.
func (c *Client) PullImage(ctx context.Context, refStr, registryAuth string) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// EncodeAuth base64-encodes a username/password pair into the registry
// auth blob expected by PullImage's registryAuth parameter.
func EncodeAuth(username, secret string) (string, error) {
	buf, err := json.Marshal(registry.AuthConfig{Username: username, Password: secret})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
