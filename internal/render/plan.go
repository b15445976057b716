package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Action is the transform chosen for an input.
type Action string

const (
	ActionPassthrough Action = "passthrough"
	ActionLoopExtend  Action = "loop-extend"
	ActionCompress    Action = "compress"
	ActionSkipped     Action = "skipped"
)

// Policy names accepted from channel configuration.
const (
	PolicyCompress   = "compress"
	PolicyLoopExtend = "loop-extend"
)

// maxAtempo is the largest factor a single atempo filter accepts.
const maxAtempo = 2.0

// Range is the accepted output duration window in seconds.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether d lies in [Min, Max].
func (r Range) Contains(d float64) bool { return d >= r.Min && d <= r.Max }

// Decision is the outcome of policy resolution.
type Decision struct {
	Action Action
	// Override is set when the configured policy could not be honored.
	Override bool
	Reason   string
}

// ResolveAction picks the transform for an input duration. Precedence:
//  1. in range: passthrough, whatever the policy
//  2. below Min: loop-extend, overriding a compress policy
//  3. above Max: compress, overriding a loop-extend policy
func ResolveAction(duration float64, r Range, policy string) Decision {
	switch {
	case r.Contains(duration):
		return Decision{Action: ActionPassthrough, Reason: "duration in range"}
	case duration < r.Min:
		d := Decision{Action: ActionLoopExtend, Reason: "duration below minimum"}
		if policy == PolicyCompress {
			d.Override = true
			d.Reason = "short clip cannot be compressed into range; loop-extend applied"
		}
		return d
	default:
		d := Decision{Action: ActionCompress, Reason: "duration above maximum"}
		if policy == PolicyLoopExtend {
			d.Override = true
			d.Reason = "long clip cannot be looped into range; compress applied"
		}
		return d
	}
}

// Plan is a deterministic description of one render.
type Plan struct {
	Action        Action  `json:"action"`
	Override      bool    `json:"override,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	InputSeconds  float64 `json:"input_seconds"`
	TargetSeconds float64 `json:"target_seconds"`
	// Loops is the number of times the input is played back to back.
	Loops int `json:"loops,omitempty"`
	// Speed is the playback rate multiplier for compress.
	Speed    float64 `json:"speed,omitempty"`
	HasAudio bool    `json:"has_audio"`
}

// NewPlan builds the plan for an input. Loop-extend always lands exactly on
// Max; compress speeds the clip up to land exactly on Max.
func NewPlan(duration float64, r Range, policy string, hasAudio bool) (Plan, error) {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return Plan{}, fmt.Errorf("invalid input duration %v", duration)
	}
	if r.Min <= 0 || r.Max < r.Min {
		return Plan{}, fmt.Errorf("invalid render range [%v,%v]", r.Min, r.Max)
	}

	d := ResolveAction(duration, r, policy)
	p := Plan{
		Action:       d.Action,
		Override:     d.Override,
		Reason:       d.Reason,
		InputSeconds: duration,
		HasAudio:     hasAudio,
	}
	switch d.Action {
	case ActionPassthrough:
		p.TargetSeconds = duration
	case ActionLoopExtend:
		p.TargetSeconds = r.Max
		p.Loops = int(math.Ceil(r.Max / duration))
	case ActionCompress:
		p.TargetSeconds = r.Max
		p.Speed = duration / r.Max
	}
	return p, nil
}

// AtempoChain splits speed into atempo stages each within [0.5, 2.0].
func AtempoChain(speed float64) []float64 {
	if speed <= 0 {
		return nil
	}
	var chain []float64
	for speed > maxAtempo {
		chain = append(chain, maxAtempo)
		speed /= maxAtempo
	}
	return append(chain, speed)
}

// Profile is the normalized output format.
type Profile struct {
	Width        int
	Height       int
	VideoBitrate string
	AudioBitrate string
}

func (p Profile) scaleFilter() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		p.Width, p.Height, p.Width, p.Height)
}

func (p Profile) encodeArgs(hasAudio bool) []string {
	args := []string{"-c:v", "libx264", "-preset", "veryfast", "-b:v", p.VideoBitrate, "-pix_fmt", "yuv420p"}
	if hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", p.AudioBitrate)
	}
	return append(args, "-movflags", "+faststart")
}

// FFmpegArgs renders the ffmpeg argument list for a transforming plan.
func (p Plan) FFmpegArgs(in, out string, prof Profile) ([]string, error) {
	target := formatSeconds(p.TargetSeconds)
	args := []string{"-hide_banner", "-nostdin", "-y"}

	switch p.Action {
	case ActionLoopExtend:
		args = append(args, "-stream_loop", strconv.Itoa(p.Loops-1), "-i", in, "-t", target, "-vf", prof.scaleFilter())
		if !p.HasAudio {
			args = append(args, "-an")
		}
	case ActionCompress:
		graph := fmt.Sprintf("[0:v]setpts=PTS/%s,%s[v]", formatFactor(p.Speed), prof.scaleFilter())
		maps := []string{"-map", "[v]"}
		if p.HasAudio {
			stages := make([]string, 0, 2)
			for _, f := range AtempoChain(p.Speed) {
				stages = append(stages, "atempo="+formatFactor(f))
			}
			graph += ";[0:a]" + strings.Join(stages, ",") + "[a]"
			maps = append(maps, "-map", "[a]")
		}
		args = append(args, "-i", in, "-filter_complex", graph)
		args = append(args, maps...)
		args = append(args, "-t", target)
	default:
		return nil, fmt.Errorf("plan action %q does not use ffmpeg", p.Action)
	}

	args = append(args, prof.encodeArgs(p.HasAudio)...)
	return append(args, out), nil
}

func formatSeconds(s float64) string { return strconv.FormatFloat(s, 'f', 3, 64) }
func formatFactor(f float64) string  { return strconv.FormatFloat(f, 'f', 6, 64) }
