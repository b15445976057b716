// Package tunnel finds a public URL for the push listener through a local
// ngrok agent when no fixed public endpoint is configured.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/pkg/httpclient"
)

const (
	defaultAPIURL   = "http://127.0.0.1:4040"
	defaultBinary   = "ngrok"
	defaultWait     = 20 * time.Second
	discoverBackoff = 500 * time.Millisecond
)

// Process is a started agent.
type Process interface {
	Stop() error
}

// Starter launches the agent binary.
type Starter interface {
	Start(ctx context.Context, binary string, args []string) (Process, error)
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	_ = p.cmd.Wait()
	return nil
}

type execStarter struct{}

func (execStarter) Start(_ context.Context, binary string, args []string) (Process, error) {
	// The agent outlives the discovery context; Stop ends it.
	cmd := exec.Command(binary, args...) //nolint:gosec
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd: cmd}, nil
}

// Options configures a Tunnel.
type Options struct {
	APIURL    string
	Binary    string
	AuthToken string
	// Wait bounds how long Ensure polls the agent after starting it.
	Wait    time.Duration
	Starter Starter
	Client  *resty.Client
}

// Tunnel talks to the agent's local inspection API.
type Tunnel struct {
	api     *resty.Client
	apiURL  string
	binary  string
	token   string
	wait    time.Duration
	starter Starter
	log     logger.Logger
	proc    Process
}

type tunnelsResponse struct {
	Tunnels []struct {
		Name      string `json:"name"`
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

// New builds a Tunnel.
func New(opts Options, log logger.Logger) *Tunnel {
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}
	if opts.Wait <= 0 {
		opts.Wait = defaultWait
	}
	if opts.Starter == nil {
		opts.Starter = execStarter{}
	}
	if opts.Client == nil {
		opts.Client = httpclient.NewRestyHTTPClient(httpclient.Options{Timeout: 5 * time.Second})
	}
	return &Tunnel{
		api:     opts.Client,
		apiURL:  strings.TrimRight(opts.APIURL, "/"),
		binary:  opts.Binary,
		token:   opts.AuthToken,
		wait:    opts.Wait,
		starter: opts.Starter,
		log:     logger.Ensure(log),
	}
}

// PublicURL asks a running agent for a tunnel forwarding to port. https
// tunnels win over http ones. A zero port matches any tunnel.
func (t *Tunnel) PublicURL(ctx context.Context, port int) (string, error) {
	resp, err := t.api.R().SetContext(ctx).Get(t.apiURL + "/api/tunnels")
	if err != nil {
		return "", domain.Wrap(domain.KindTransientNetwork, "tunnel", fmt.Errorf("agent api: %w", err))
	}
	if resp.StatusCode() != 200 {
		return "", domain.Errorf(domain.KindTransientNetwork, "tunnel", "agent api status %d: %s", resp.StatusCode(), httpclient.Snippet(resp.Body()))
	}
	var parsed tunnelsResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", domain.Wrap(domain.KindTransientNetwork, "tunnel", fmt.Errorf("decode tunnels: %w", err))
	}

	var fallback string
	for _, tn := range parsed.Tunnels {
		if port > 0 && !forwardsTo(tn.Config.Addr, port) {
			continue
		}
		if strings.HasPrefix(tn.PublicURL, "https://") {
			return strings.TrimRight(tn.PublicURL, "/"), nil
		}
		if fallback == "" && tn.PublicURL != "" {
			fallback = strings.TrimRight(tn.PublicURL, "/")
		}
	}
	if fallback == "" {
		return "", domain.Errorf(domain.KindTransientNetwork, "tunnel", "no tunnel forwards to port %d", port)
	}
	return fallback, nil
}

// Ensure returns a public URL for port, starting the agent with the auth
// token when none is running.
func (t *Tunnel) Ensure(ctx context.Context, port int) (string, error) {
	if url, err := t.PublicURL(ctx, port); err == nil {
		t.log.InfoObj("using running tunnel", "tunnel", map[string]any{"url": url, "port": port})
		return url, nil
	}
	if strings.TrimSpace(t.token) == "" {
		return "", domain.Errorf(domain.KindConfigurationInvalid, "tunnel", "no public base url and no tunnel auth token")
	}

	args := []string{"http", strconv.Itoa(port), "--authtoken", t.token, "--log", "stdout"}
	proc, err := t.starter.Start(ctx, t.binary, args)
	if err != nil {
		return "", domain.Wrap(domain.KindConfigurationInvalid, "tunnel", fmt.Errorf("start %s: %w", t.binary, err))
	}
	t.proc = proc
	t.log.InfoObj("tunnel agent started", "tunnel", map[string]any{"binary": t.binary, "port": port})

	deadline := time.Now().Add(t.wait)
	var lastErr error
	for time.Now().Before(deadline) {
		url, err := t.PublicURL(ctx, port)
		if err == nil {
			t.log.InfoObj("tunnel ready", "tunnel", map[string]any{"url": url})
			return url, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			_ = t.Close()
			return "", ctx.Err()
		case <-time.After(discoverBackoff):
		}
	}
	_ = t.Close()
	return "", domain.Wrap(domain.KindTransientNetwork, "tunnel", fmt.Errorf("agent did not expose a tunnel within %s: %w", t.wait, lastErr))
}

// Close stops an agent this Tunnel started. Agents found already running are
// left alone.
func (t *Tunnel) Close() error {
	if t.proc == nil {
		return nil
	}
	err := t.proc.Stop()
	t.proc = nil
	return err
}

func forwardsTo(addr string, port int) bool {
	p := strconv.Itoa(port)
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	return addr == p || strings.HasSuffix(addr, ":"+p)
}
