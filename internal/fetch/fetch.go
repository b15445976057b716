// Package fetch downloads source media with yt-dlp and checks that the result
// is usable before it enters the render stage.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/media/ffprobe"
)

// DefaultFormat picks a progressive mp4 so no merge step is needed.
const DefaultFormat = "18/best[ext=mp4]"

const outputStem = "source"

// Request describes one download.
type Request struct {
	URL         string
	Dir         string
	Format      string
	CookiesFile string
	ProxyURL    string
	UserAgent   string
}

// Media is a downloaded, integrity-checked file.
type Media struct {
	Path            string  `json:"path"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	HasAudio        bool    `json:"has_audio"`
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) (stdout, stderr []byte, err error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(f *Fetcher) {
		if exec != nil {
			f.exec = exec
		}
	}
}

// WithProber replaces the ffprobe binary used for integrity checks.
func WithProber(p ffprobe.Prober) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.probe = p
		}
	}
}

// Fetcher wraps the yt-dlp CLI.
type Fetcher struct {
	binary string
	exec   Executor
	probe  ffprobe.Prober
	log    logger.Logger
}

// New constructs a Fetcher.
func New(binary string, log logger.Logger, opts ...Option) *Fetcher {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "yt-dlp"
	}
	f := &Fetcher{
		binary: binary,
		exec:   commandExecutor{},
		probe:  ffprobe.Binary("ffprobe"),
		log:    logger.Ensure(log),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs a single download attempt. Errors are tagged with a
// domain.Kind so callers can decide whether to retry.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Media, error) {
	if strings.TrimSpace(req.URL) == "" {
		return Media{}, domain.Errorf(domain.KindContentDefect, "fetch", "empty source url")
	}
	if req.Dir == "" {
		return Media{}, domain.Errorf(domain.KindUnexpectedFault, "fetch", "destination directory required")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return Media{}, domain.Wrap(domain.KindUnexpectedFault, "fetch.mkdir", err)
	}
	removePartials(req.Dir)

	stdout, stderr, err := f.exec.Run(ctx, f.binary, Args(req))
	if err != nil {
		if ctx.Err() != nil {
			return Media{}, ctx.Err()
		}
		return Media{}, classify(err, stderr)
	}

	path := lastLine(stdout)
	if path == "" || !fileExists(path) {
		path = findOutput(req.Dir)
	}
	if path == "" {
		return Media{}, domain.Errorf(domain.KindTransientNetwork, "fetch", "yt-dlp reported success but produced no file")
	}

	media, err := f.Verify(ctx, path)
	if err != nil {
		return Media{}, err
	}
	f.log.InfoObj("fetched", "media", media)
	return media, nil
}

// Verify checks that path is non-empty and holds a playable container.
func (f *Fetcher) Verify(ctx context.Context, path string) (Media, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Media{}, domain.Wrap(domain.KindTransientNetwork, "fetch.verify", err)
	}
	if info.Size() == 0 {
		return Media{}, domain.Errorf(domain.KindTransientNetwork, "fetch.verify", "%s is empty", filepath.Base(path))
	}
	res, err := f.probe.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return Media{}, ctx.Err()
		}
		return Media{}, domain.Wrap(domain.KindContentDefect, "fetch.verify", err)
	}
	if !res.Playable() {
		return Media{}, domain.Errorf(domain.KindContentDefect, "fetch.verify", "%s is not a playable container", filepath.Base(path))
	}
	return Media{
		Path:            path,
		SizeBytes:       info.Size(),
		DurationSeconds: res.DurationSeconds(),
		HasAudio:        res.HasAudio(),
	}, nil
}

// Args builds the yt-dlp argument list for req.
func Args(req Request) []string {
	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = DefaultFormat
	}
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-warnings",
		"--force-overwrites",
		"--retries", "10",
		"--fragment-retries", "3",
		"--socket-timeout", "30",
		"--merge-output-format", "mp4",
		"-f", format,
		"-o", filepath.Join(req.Dir, outputStem+".%(ext)s"),
		"--no-simulate",
		"--print", "after_move:filepath",
	}
	if req.CookiesFile != "" && fileExists(req.CookiesFile) {
		args = append(args, "--cookies", req.CookiesFile)
	}
	if req.ProxyURL != "" {
		args = append(args, "--proxy", req.ProxyURL)
	}
	if req.UserAgent != "" {
		args = append(args, "--user-agent", req.UserAgent)
	}
	return append(args, "--", req.URL)
}

var (
	defectMarkers = []string{
		"video unavailable",
		"private video",
		"members-only",
		"this live event will begin",
		"premieres in",
		"has been removed",
		"requested format is not available",
		"unsupported url",
		"copyright",
	}
	rateMarkers = []string{"http error 429", "too many requests"}
)

func classify(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	lower := strings.ToLower(msg)
	if len(msg) > 400 {
		msg = msg[len(msg)-400:]
	}
	wrapped := fmt.Errorf("yt-dlp: %w: %s", err, msg)

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return domain.Wrap(domain.KindConfigurationInvalid, "fetch", wrapped)
	}
	for _, m := range rateMarkers {
		if strings.Contains(lower, m) {
			return domain.Wrap(domain.KindRateLimited, "fetch", wrapped)
		}
	}
	for _, m := range defectMarkers {
		if strings.Contains(lower, m) {
			return domain.Wrap(domain.KindContentDefect, "fetch", wrapped)
		}
	}
	return domain.Wrap(domain.KindTransientNetwork, "fetch", wrapped)
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func findOutput(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, outputStem+".*"))
	sort.Strings(matches)
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		return m
	}
	return ""
}

func removePartials(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, outputStem+".*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
