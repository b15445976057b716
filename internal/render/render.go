// Package render normalizes fetched media into the configured duration range.
package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/media/ffprobe"
)

// durationTolerance absorbs container rounding when verifying output length.
const durationTolerance = 0.5

// Runner executes ffmpeg with the given arguments.
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// FFmpeg is a Runner backed by an ffmpeg executable.
type FFmpeg string

func (f FFmpeg) Run(ctx context.Context, args []string) error {
	bin := strings.TrimSpace(string(f))
	if bin == "" {
		bin = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}

// Output is the result of a render.
type Output struct {
	Path            string  `json:"path"`
	Plan            Plan    `json:"plan"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Engine probes, plans and transforms media.
type Engine struct {
	ffmpeg  Runner
	probe   ffprobe.Prober
	rng     Range
	profile Profile
	log     logger.Logger
}

// NewEngine builds an Engine. A nil runner or prober uses the binaries on PATH.
func NewEngine(ffmpeg Runner, probe ffprobe.Prober, rng Range, profile Profile, log logger.Logger) *Engine {
	if ffmpeg == nil {
		ffmpeg = FFmpeg("ffmpeg")
	}
	if probe == nil {
		probe = ffprobe.Binary("ffprobe")
	}
	return &Engine{ffmpeg: ffmpeg, probe: probe, rng: rng, profile: profile, log: logger.Ensure(log)}
}

// Range returns the configured duration window.
func (e *Engine) Range() Range { return e.rng }

// Plan probes in and returns the plan that Render would execute.
func (e *Engine) Plan(ctx context.Context, in, policy string) (Plan, error) {
	res, err := e.probe.Probe(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return Plan{}, ctx.Err()
		}
		return Plan{}, domain.Wrap(domain.KindContentDefect, "render.probe", err)
	}
	if !res.Playable() {
		return Plan{}, domain.Errorf(domain.KindContentDefect, "render.probe", "%s has no playable video stream", filepath.Base(in))
	}
	plan, err := NewPlan(res.DurationSeconds(), e.rng, policy, res.HasAudio())
	if err != nil {
		return Plan{}, domain.Wrap(domain.KindContentDefect, "render.plan", err)
	}
	return plan, nil
}

// Render writes a normalized copy of in under outDir. Passthrough copies the
// bytes unchanged; the input file is never modified.
func (e *Engine) Render(ctx context.Context, in, outDir, policy string) (Output, error) {
	plan, err := e.Plan(ctx, in, policy)
	if err != nil {
		return Output{}, err
	}
	if plan.Override {
		e.log.WarnObj("render policy overridden", "plan", plan)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Output{}, domain.Wrap(domain.KindUnexpectedFault, "render.mkdir", err)
	}

	if plan.Action == ActionPassthrough {
		out := filepath.Join(outDir, "rendered"+extOr(in, ".mp4"))
		if err := copyFile(in, out); err != nil {
			return Output{}, domain.Wrap(domain.KindUnexpectedFault, "render.copy", err)
		}
		e.log.DebugObj("render passthrough", "plan", plan)
		return Output{Path: out, Plan: plan, DurationSeconds: plan.InputSeconds}, nil
	}

	out := filepath.Join(outDir, "rendered.mp4")
	args, err := plan.FFmpegArgs(in, out, e.profile)
	if err != nil {
		return Output{}, domain.Wrap(domain.KindUnexpectedFault, "render.args", err)
	}
	if err := e.ffmpeg.Run(ctx, args); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, domain.Wrap(domain.KindContentDefect, "render.ffmpeg", err)
	}

	res, err := e.probe.Probe(ctx, out)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, domain.Wrap(domain.KindContentDefect, "render.verify", err)
	}
	got := res.DurationSeconds()
	if math.Abs(got-plan.TargetSeconds) > durationTolerance {
		return Output{}, domain.Errorf(domain.KindContentDefect, "render.verify",
			"rendered duration %.3fs, want %.3fs", got, plan.TargetSeconds)
	}

	e.log.InfoObj("rendered", "output", map[string]any{
		"action":   plan.Action,
		"input":    plan.InputSeconds,
		"output":   got,
		"loops":    plan.Loops,
		"speed":    plan.Speed,
		"override": plan.Override,
	})
	return Output{Path: out, Plan: plan, DurationSeconds: got}, nil
}

func extOr(path, fallback string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return fallback
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
