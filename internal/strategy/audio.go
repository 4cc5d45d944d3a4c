package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/media"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/stt"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// AudioExtractor pulls an audio track through an explicit subprocess environment
type AudioExtractor interface {
	VerifyEgress(ctx context.Context, env *media.Env) error
	ExtractAudio(ctx context.Context, videoID string, env *media.Env) (*media.Audio, error)
	RemoteDuration(ctx context.Context, videoID string, env *media.Env) (time.Duration, error)
}

// DurationSource looks up a video's length
type DurationSource interface {
	Duration(ctx context.Context, videoID string) (time.Duration, error)
}

// AudioOptions configures audio transcription
type AudioOptions struct {
	Enabled     bool
	MaxDuration time.Duration
	// Metadata is consulted when a request has no duration hint; may be nil
	Metadata DurationSource
}

// AudioTranscription downloads the audio track and sends it to speech recognition
type AudioTranscription struct {
	extractor   AudioExtractor
	transcriber stt.Transcriber
	opts        AudioOptions
}

// NewAudioTranscription creates the audio fallback strategy
func NewAudioTranscription(extractor AudioExtractor, transcriber stt.Transcriber, opts AudioOptions) *AudioTranscription {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Minute
	}
	return &AudioTranscription{extractor: extractor, transcriber: transcriber, opts: opts}
}

// Name implements Strategy
func (a *AudioTranscription) Name() models.Source {
	return models.SourceAudioTranscription
}

// Eligible implements Gate. Videos of unknown length are never downloaded.
func (a *AudioTranscription) Eligible(ctx context.Context, req *models.TranscriptRequest) (bool, string) {
	if !a.opts.Enabled {
		return false, "audio transcription disabled"
	}
	if !req.AllowASR {
		return false, "audio transcription not allowed for request"
	}

	d, ok := a.duration(ctx, req)
	if !ok {
		return false, "video duration unknown"
	}
	if d > a.opts.MaxDuration {
		return false, fmt.Sprintf("video duration %s exceeds cap %s", d, a.opts.MaxDuration)
	}
	return true, ""
}

func (a *AudioTranscription) duration(ctx context.Context, req *models.TranscriptRequest) (time.Duration, bool) {
	if req.DurationHint > 0 {
		return req.DurationHint, true
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if a.opts.Metadata != nil {
		if d, err := a.opts.Metadata.Duration(lookupCtx, req.VideoID); err == nil && d > 0 {
			return d, true
		}
	}

	if d, err := a.extractor.RemoteDuration(lookupCtx, req.VideoID, media.ProxyEnv(nil)); err == nil && d > 0 {
		return d, true
	}
	return 0, false
}

// Attempt implements Strategy
func (a *AudioTranscription) Attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result {
	env := media.ProxyEnv(opts.Proxy.Dict(proxy.ShapeHTTP).HTTP)

	if err := a.extractor.VerifyEgress(ctx, env); err != nil {
		return Failure(err)
	}

	audio, err := a.extractor.ExtractAudio(ctx, req.VideoID, env)
	if err != nil {
		return Failure(err)
	}
	defer audio.Cleanup()

	text, err := a.transcriber.Transcribe(ctx, audio.Path, req.Language)
	if err != nil {
		return Failure(err)
	}
	return Success(text)
}
