package main

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/samvad-hq/vidrelay/internal/config"
	"github.com/samvad-hq/vidrelay/internal/control"
)

type commandContext struct {
	envFile *string
	addr    *string
	token   *string
	jsonOut *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(envFile, addr, token *string, jsonOut *bool) *commandContext {
	return &commandContext{
		envFile: envFile,
		addr:    addr,
		token:   token,
		jsonOut: jsonOut,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.LoadFrom(strings.TrimSpace(*c.envFile))
	})
	return c.config, c.configErr
}

// client talks to the daemon named by --addr, falling back to control_addr.
func (c *commandContext) client() (*control.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	addr := strings.TrimSpace(*c.addr)
	if addr == "" {
		addr = cfg.ControlAddr
	}
	token := strings.TrimSpace(*c.token)
	if token == "" {
		token = cfg.ControlToken
	}
	return control.NewClient(addr, token, cfg.HTTPTimeout), nil
}

// wantJSON is true with --json or when stdout is not a terminal.
func (c *commandContext) wantJSON(cmd *cobra.Command) bool {
	if c.jsonOut != nil && *c.jsonOut {
		return true
	}
	return !isTerminal(cmd.OutOrStdout())
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
