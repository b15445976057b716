package ffprobe

import "testing"

const sampleReport = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 640, "height": 360, "r_frame_rate": "30/1", "duration": "12.000000"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100"}
  ],
  "format": {"filename": "in.mp4", "duration": "12.033000", "size": "1048576", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

func TestParseReport(t *testing.T) {
	res, err := Parse([]byte(sampleReport))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := res.Video()
	if !ok || v.Width != 640 || v.Height != 360 {
		t.Fatalf("video stream = %+v", v)
	}
	if !res.HasAudio() {
		t.Fatalf("expected audio stream")
	}
	if res.DurationSeconds() != 12.033 {
		t.Fatalf("duration = %v", res.DurationSeconds())
	}
	if !res.Playable() {
		t.Fatalf("expected playable")
	}
}

func TestDurationFallsBackToVideoStream(t *testing.T) {
	res := Result{
		Streams: []Stream{{CodecType: "video", Duration: "8.5"}},
		Format:  Format{Duration: "N/A"},
	}
	if res.DurationSeconds() != 8.5 {
		t.Fatalf("duration = %v", res.DurationSeconds())
	}
}

func TestAudioOnlyIsNotPlayable(t *testing.T) {
	res := Result{
		Streams: []Stream{{CodecType: "audio"}},
		Format:  Format{Duration: "30"},
	}
	if res.Playable() {
		t.Fatalf("audio-only container must not be playable")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatalf("expected parse error")
	}
}
