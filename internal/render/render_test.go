package render

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/media/ffprobe"
)

type fakeProber struct {
	durations map[string]float64
	audio     bool
}

func (f *fakeProber) Probe(_ context.Context, path string) (ffprobe.Result, error) {
	d, ok := f.durations[filepath.Base(path)]
	if !ok {
		return ffprobe.Result{}, errors.New("no such file")
	}
	res := ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "video"}},
		Format:  ffprobe.Format{Duration: strconv.FormatFloat(d, 'f', 3, 64)},
	}
	if f.audio {
		res.Streams = append(res.Streams, ffprobe.Stream{CodecType: "audio"})
	}
	return res, nil
}

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, args []string) error {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0o644)
}

var testProfile = Profile{Width: 720, Height: 1280, VideoBitrate: "2500k", AudioBitrate: "128k"}

func writeInput(t *testing.T, name string, body []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func TestRenderPassthroughCopiesBytes(t *testing.T) {
	body := []byte("original-bytes")
	in := writeInput(t, "source.mp4", body)
	runner := &fakeRunner{}
	eng := NewEngine(runner, &fakeProber{durations: map[string]float64{"source.mp4": 45}}, Range{Min: 30, Max: 60}, testProfile, nil)

	out, err := eng.Render(context.Background(), in, t.TempDir(), PolicyCompress)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Plan.Action != ActionPassthrough {
		t.Fatalf("action = %s", out.Plan.Action)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("ffmpeg should not run for passthrough")
	}
	got, err := os.ReadFile(out.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("passthrough output differs from input")
	}
	if orig, _ := os.ReadFile(in); !bytes.Equal(orig, body) {
		t.Fatalf("input was modified")
	}
}

func TestRenderLoopExtendShortClip(t *testing.T) {
	in := writeInput(t, "source.mp4", []byte("x"))
	runner := &fakeRunner{}
	prober := &fakeProber{durations: map[string]float64{"source.mp4": 12, "rendered.mp4": 60}, audio: true}
	eng := NewEngine(runner, prober, Range{Min: 30, Max: 60}, testProfile, nil)

	out, err := eng.Render(context.Background(), in, t.TempDir(), PolicyLoopExtend)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Plan.Action != ActionLoopExtend || out.DurationSeconds != 60 {
		t.Fatalf("unexpected output %+v", out)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("ffmpeg calls = %d, want 1", len(runner.calls))
	}
}

func TestRenderRejectsWrongOutputDuration(t *testing.T) {
	in := writeInput(t, "source.mp4", []byte("x"))
	prober := &fakeProber{durations: map[string]float64{"source.mp4": 200, "rendered.mp4": 75}}
	eng := NewEngine(&fakeRunner{}, prober, Range{Min: 30, Max: 60}, testProfile, nil)

	_, err := eng.Render(context.Background(), in, t.TempDir(), PolicyCompress)
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect (err=%v)", domain.KindOf(err), err)
	}
}

func TestRenderFFmpegFailureIsContentDefect(t *testing.T) {
	in := writeInput(t, "source.mp4", []byte("x"))
	prober := &fakeProber{durations: map[string]float64{"source.mp4": 5}}
	eng := NewEngine(&fakeRunner{err: errors.New("exit status 1")}, prober, Range{Min: 30, Max: 60}, testProfile, nil)

	_, err := eng.Render(context.Background(), in, t.TempDir(), PolicyLoopExtend)
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect", domain.KindOf(err))
	}
}

func TestRenderUnplayableInput(t *testing.T) {
	in := writeInput(t, "source.mp4", []byte("x"))
	eng := NewEngine(&fakeRunner{}, &fakeProber{durations: map[string]float64{"source.mp4": 0}}, Range{Min: 30, Max: 60}, testProfile, nil)

	_, err := eng.Render(context.Background(), in, t.TempDir(), PolicyCompress)
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect", domain.KindOf(err))
	}
}
