// Package media wraps the yt-dlp, ffmpeg and ffprobe subprocesses used to pull
// an audio track for speech recognition.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoAudio is returned when yt-dlp finished without producing an audio file
var ErrNoAudio = errors.New("no audio stream extracted")

// Options configures an Extractor
type Options struct {
	YtDlpPath      string
	FFmpegPath     string
	FFprobePath    string
	TempDir        string
	WatchURL       string // video id is appended
	EgressCheckURL string
}

// runFunc executes a command with an explicit environment and returns stdout
type runFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// Extractor runs the media subprocesses
type Extractor struct {
	opts   Options
	run    runFunc
	egress *egressChecker
}

// NewExtractor creates an Extractor
func NewExtractor(opts Options) *Extractor {
	if opts.YtDlpPath == "" {
		opts.YtDlpPath = "yt-dlp"
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.WatchURL == "" {
		opts.WatchURL = "https://www.youtube.com/watch?v="
	}

	return &Extractor{
		opts:   opts,
		run:    runCommand,
		egress: newEgressChecker(opts.EgressCheckURL),
	}
}

// Audio is an extracted 16 kHz mono wav file. Cleanup removes it and its
// working directory. Duration is zero when ffprobe could not measure it.
type Audio struct {
	Path     string
	Duration time.Duration
	Cleanup  func()
}

// ExtractAudio downloads the best audio stream of a video through the proxy in
// env and converts it for speech recognition.
func (e *Extractor) ExtractAudio(ctx context.Context, videoID string, env *Env) (*Audio, error) {
	if err := os.MkdirAll(e.opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	dir, err := os.MkdirTemp(e.opts.TempDir, "asr-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	args := []string{
		"-f", "bestaudio",
		"--no-playlist",
		"--no-progress",
		"--quiet",
		"-o", filepath.Join(dir, "source.%(ext)s"),
	}
	if env.Proxy != nil {
		args = append(args, "--proxy", env.Proxy.String())
	}
	args = append(args, e.opts.WatchURL+videoID)

	if _, err := e.run(ctx, env.Vars, e.opts.YtDlpPath, args...); err != nil {
		cleanup()
		return nil, err
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "source.*"))
	if len(matches) == 0 {
		cleanup()
		return nil, ErrNoAudio
	}

	out := filepath.Join(dir, "audio.wav")
	convert := []string{
		"-y",
		"-i", matches[0],
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	}
	if _, err := e.run(ctx, env.Vars, e.opts.FFmpegPath, convert...); err != nil {
		cleanup()
		return nil, err
	}

	audio := &Audio{Path: out, Cleanup: cleanup}
	if d, err := e.ProbeDuration(ctx, out); err == nil {
		if d <= 0 {
			cleanup()
			return nil, ErrNoAudio
		}
		audio.Duration = d
	}
	return audio, nil
}

// RemoteDuration asks yt-dlp for a video's duration without downloading it
func (e *Extractor) RemoteDuration(ctx context.Context, videoID string, env *Env) (time.Duration, error) {
	args := []string{"--skip-download", "--no-playlist", "--print", "duration"}
	if env.Proxy != nil {
		args = append(args, "--proxy", env.Proxy.String())
	}
	args = append(args, e.opts.WatchURL+videoID)

	out, err := e.run(ctx, env.Vars, e.opts.YtDlpPath, args...)
	if err != nil {
		return 0, err
	}

	return parseSeconds(strings.TrimSpace(string(out)))
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration reads the duration of a local media file with ffprobe
func (e *Extractor) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}

	out, err := e.run(ctx, nil, e.opts.FFprobePath, args...)
	if err != nil {
		return 0, err
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return parseSeconds(probe.Format.Duration)
}

// VerifyEgress fails fast when env requests a proxy that the subprocess would
// not actually use
func (e *Extractor) VerifyEgress(ctx context.Context, env *Env) error {
	if env.Proxy == nil {
		return nil
	}
	return e.egress.verify(ctx, env)
}

func parseSeconds(s string) (time.Duration, error) {
	if s == "" || s == "NA" {
		return 0, fmt.Errorf("duration unavailable")
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func runCommand(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s interrupted: %w", filepath.Base(name), ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(name), err, truncate(stderr.String(), 512))
	}

	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// redactURL hides proxy credentials in error messages
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
