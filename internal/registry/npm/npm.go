package npm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dev-tams/npmretain/internal/registry"
)

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

type Options struct {
	// Command is the npm executable, "npm" when empty.
	Command string
	// RegistryURL is passed as --registry when set.
	RegistryURL string
	// Token is exported to the child as NPM_TOKEN and NODE_AUTH_TOKEN.
	Token  string
	Runner Runner
}

// Client drives the npm CLI. It implements registry.Registry.
type Client struct {
	command  string
	registry string
	token    string
	runner   Runner
}

var _ registry.Registry = (*Client)(nil)

func New(opt Options) *Client {
	c := &Client{
		command:  opt.Command,
		registry: strings.TrimSpace(opt.RegistryURL),
		token:    opt.Token,
		runner:   opt.Runner,
	}
	if c.command == "" {
		c.command = "npm"
	}
	if c.runner == nil {
		c.runner = execRunner{}
	}
	return c
}

func (c *Client) ListVersions(ctx context.Context, pkg string) ([]string, error) {
	out, err := c.run(ctx, "view", pkg, "versions", "--json")
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var versions []string
	if err := json.Unmarshal(out, &versions); err == nil {
		return versions, nil
	}

	// npm prints a bare string when the package has a single version
	var single string
	if err := json.Unmarshal(out, &single); err != nil {
		return nil, fmt.Errorf("decode versions of %s: %w", pkg, err)
	}
	return []string{single}, nil
}

func (c *Client) GetMetadata(ctx context.Context, pkg, version string) (registry.Metadata, error) {
	spec := pkg + "@" + version
	out, err := c.run(ctx, "view", spec, "--json")
	if err != nil {
		return registry.Metadata{}, err
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return registry.Metadata{}, nil
	}

	var md registry.Metadata
	if err := json.Unmarshal(out, &md); err != nil {
		return registry.Metadata{}, fmt.Errorf("decode metadata of %s: %w", spec, err)
	}
	return md, nil
}

func (c *Client) Deprecate(ctx context.Context, pkg, version, message string) error {
	_, err := c.run(ctx, "deprecate", pkg+"@"+version, message)
	return err
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.registry != "" {
		args = append(args, "--registry", c.registry)
	}

	env := os.Environ()
	if c.token != "" {
		// npm resolves ${NPM_TOKEN} / ${NODE_AUTH_TOKEN} from .npmrc itself.
		env = append(env, "NPM_TOKEN="+c.token, "NODE_AUTH_TOKEN="+c.token)
	}

	out, err := c.runner.Run(ctx, env, c.command, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", registry.ErrUnavailable, c.command, strings.Join(args, " "), err)
	}
	return out, nil
}
