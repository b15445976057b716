package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/media/ffprobe"
)

type fakeExecutor struct {
	args   []string
	write  []byte
	stderr string
	err    error
}

func (f *fakeExecutor) Run(_ context.Context, _ string, args []string) ([]byte, []byte, error) {
	f.args = args
	if f.err != nil {
		return nil, []byte(f.stderr), f.err
	}
	var out string
	for i, a := range args {
		if a == "-o" {
			out = strings.Replace(args[i+1], "%(ext)s", "mp4", 1)
		}
	}
	if err := os.WriteFile(out, f.write, 0o644); err != nil {
		return nil, nil, err
	}
	return []byte(out + "\n"), nil, nil
}

type fakeProber struct {
	res ffprobe.Result
	err error
}

func (f fakeProber) Probe(context.Context, string) (ffprobe.Result, error) { return f.res, f.err }

var playable = ffprobe.Result{
	Streams: []ffprobe.Stream{{CodecType: "video"}, {CodecType: "audio"}},
	Format:  ffprobe.Format{Duration: "42.5"},
}

func TestFetchSuccess(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{write: []byte("media")}
	f := New("yt-dlp", nil, WithExecutor(exec), WithProber(fakeProber{res: playable}))

	media, err := f.Fetch(context.Background(), Request{URL: "https://www.youtube.com/watch?v=abc", Dir: dir, ProxyURL: "http://p:1", UserAgent: "ua"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if media.Path != filepath.Join(dir, "source.mp4") || media.SizeBytes != 5 || media.DurationSeconds != 42.5 || !media.HasAudio {
		t.Fatalf("unexpected media %+v", media)
	}
	joined := strings.Join(exec.args, " ")
	for _, want := range []string{"-f " + DefaultFormat, "--proxy http://p:1", "--user-agent ua", "-- https://www.youtube.com/watch?v=abc"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "--cookies") {
		t.Fatalf("cookies flag must be omitted when no file is configured")
	}
}

func TestFetchEmptyFileIsTransient(t *testing.T) {
	f := New("yt-dlp", nil, WithExecutor(&fakeExecutor{}), WithProber(fakeProber{res: playable}))
	_, err := f.Fetch(context.Background(), Request{URL: "u", Dir: t.TempDir()})
	if domain.KindOf(err) != domain.KindTransientNetwork {
		t.Fatalf("kind = %s, want transient_network", domain.KindOf(err))
	}
}

func TestFetchUnplayableIsContentDefect(t *testing.T) {
	f := New("yt-dlp", nil, WithExecutor(&fakeExecutor{write: []byte("junk")}), WithProber(fakeProber{res: ffprobe.Result{}}))
	_, err := f.Fetch(context.Background(), Request{URL: "u", Dir: t.TempDir()})
	if domain.KindOf(err) != domain.KindContentDefect {
		t.Fatalf("kind = %s, want content_defect", domain.KindOf(err))
	}
}

func TestFetchClassifiesFailures(t *testing.T) {
	cases := []struct {
		stderr string
		want   domain.Kind
	}{
		{"ERROR: [youtube] abc: Private video. Sign in", domain.KindContentDefect},
		{"ERROR: unable to download webpage: HTTP Error 429: Too Many Requests", domain.KindRateLimited},
		{"ERROR: Connection reset by peer", domain.KindTransientNetwork},
	}
	for _, tc := range cases {
		exec := &fakeExecutor{err: errors.New("exit status 1"), stderr: tc.stderr}
		f := New("yt-dlp", nil, WithExecutor(exec), WithProber(fakeProber{res: playable}))
		_, err := f.Fetch(context.Background(), Request{URL: "u", Dir: t.TempDir()})
		if domain.KindOf(err) != tc.want {
			t.Fatalf("stderr %q: kind = %s, want %s", tc.stderr, domain.KindOf(err), tc.want)
		}
	}
}

func TestArgsIncludesExistingCookiesFile(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(cookies, []byte("# Netscape"), 0o600); err != nil {
		t.Fatal(err)
	}
	args := strings.Join(Args(Request{URL: "u", Dir: "/tmp/x", Format: "22", CookiesFile: cookies}), " ")
	if !strings.Contains(args, "--cookies "+cookies) || !strings.Contains(args, "-f 22") {
		t.Fatalf("unexpected args: %s", args)
	}
}
