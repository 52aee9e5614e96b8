// Package dispatch registers one-shot self-hosted GitHub Actions runners
// and polls their busy status, authenticating as a GitHub App.
package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"
)

// userAgent identifies this executor to the GitHub API, matching the
// convention other infra tooling in this organization uses.
const userAgent = "relayci/vm-executor"

// Client talks to the GitHub Actions API on behalf of a single org,
// authenticated as a GitHub App installation.
type Client struct {
	gh  *github.Client
	org string
}

// RunnerHandle identifies a freshly registered just-in-time runner.
type RunnerHandle struct {
	ID        int64
	JITConfig string
}

// New builds a Client authenticated as the GitHub App identified by
// appID, using the PEM private key at privateKeyPath, scoped to org's
// installation.
func New(ctx context.Context, appID int64, privateKeyPath, org string) (*Client, error) {
	transport, err := ghinstallation.NewAppsTransportKeyFromFile(
		http.DefaultTransport, appID, privateKeyPath,
	)
	if err != nil {
		return nil, fmt.Errorf("build app transport: %w", err)
	}

	appClient := github.NewClient(&http.Client{Transport: transport})
	appClient.UserAgent = userAgent

	installation, _, err := appClient.Apps.FindOrganizationInstallation(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("find installation for org %q: %w", org, err)
	}

	installTransport := ghinstallation.NewFromAppsTransport(transport, installation.GetID())
	gh := github.NewClient(&http.Client{Transport: installTransport})
	gh.UserAgent = userAgent

	return newWithClient(gh, org), nil
}

// newWithClient builds a Client around an already-authenticated
// go-github client, bypassing the App/installation handshake. Used by
// tests to point at a fake server.
func newWithClient(gh *github.Client, org string) *Client {
	return &Client{gh: gh, org: org}
}

// CreateRunner registers a new just-in-time runner scoped to groupID and
// carrying label, returning the runner id and its encoded JIT config blob.
func (c *Client) CreateRunner(ctx context.Context, label string, groupID int64) (*RunnerHandle, error) {
	req := &github.GenerateJITConfigRequest{
		Name:          fmt.Sprintf("%s-%s", label, uuid.NewString()),
		RunnerGroupID: groupID,
		Labels:        []string{label},
	}

	jit, _, err := c.gh.Actions.GenerateOrgJITConfig(ctx, c.org, req)
	if err != nil {
		return nil, fmt.Errorf("%w: generate-jitconfig: %v", ErrUpstream, err)
	}

	return &RunnerHandle{
		ID:        jit.Runner.GetID(),
		JITConfig: jit.GetEncodedJITConfig(),
	}, nil
}

// RunnerBusy reports whether the runner identified by id has picked up a
// job.
func (c *Client) RunnerBusy(ctx context.Context, id int64) (bool, error) {
	runner, _, err := c.gh.Actions.GetOrganizationRunner(ctx, c.org, id)
	if err != nil {
		return false, fmt.Errorf("%w: get-runner: %v", ErrUpstream, err)
	}
	return runner.GetBusy(), nil
}
