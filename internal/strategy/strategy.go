// Package strategy implements the transcript acquisition strategies. Each one
// turns every failure into an outcome tag at its boundary; callers never see a
// raised fault.
package strategy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/therealutkarshpriyadarshi/transcript/internal/browser"
	"github.com/therealutkarshpriyadarshi/transcript/internal/media"
	"github.com/therealutkarshpriyadarshi/transcript/internal/proxy"
	"github.com/therealutkarshpriyadarshi/transcript/internal/stt"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

var (
	// ErrNoCaptions means the source has no transcript for the video
	ErrNoCaptions = errors.New("no captions available")
	// ErrBlocked means an anti-automation or rate-limit signal was received
	ErrBlocked = errors.New("blocked by anti-automation check")
	// ErrAuth means supplied credentials were rejected
	ErrAuth = errors.New("credentials rejected")
	// ErrGuardOpen means browser attempts are suspended after repeated timeouts
	ErrGuardOpen = errors.New("browser guard open")
)

// Options are the per-attempt parameters chosen by the orchestrator
type Options struct {
	Proxy   proxy.Session
	Profile browser.Profile
}

// Proxied reports whether the attempt runs through a proxy
func (o Options) Proxied() bool {
	return !o.Proxy.Empty()
}

// Result is the outcome of one attempt
type Result struct {
	Text    string
	Outcome models.Outcome
	Err     error
}

// Success wraps transcript text. Empty text is reported as no_captions.
func Success(text string) Result {
	if text == "" {
		return Result{Outcome: models.OutcomeNoCaptions, Err: ErrNoCaptions}
	}
	return Result{Text: text, Outcome: models.OutcomeSuccess}
}

// Failure classifies err into a result
func Failure(err error) Result {
	return Result{Outcome: Classify(err), Err: err}
}

// Strategy is one way of acquiring a transcript
type Strategy interface {
	Name() models.Source
	Attempt(ctx context.Context, req *models.TranscriptRequest, opts Options) Result
}

// Gate is implemented by strategies that can decline a request before any
// attempt is made
type Gate interface {
	Eligible(ctx context.Context, req *models.TranscriptRequest) (bool, string)
}

// Classify maps an error to its outcome tag
func Classify(err error) models.Outcome {
	if err == nil {
		return models.OutcomeSuccess
	}

	var statusErr *stt.StatusError
	var httpErr *StatusError
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError

	switch {
	case errors.Is(err, ErrGuardOpen):
		return models.OutcomeSkipped
	case errors.Is(err, ErrNoCaptions), errors.Is(err, stt.ErrEmptyTranscript):
		return models.OutcomeNoCaptions
	case errors.Is(err, ErrBlocked), errors.Is(err, browser.ErrBlocked):
		return models.OutcomeBlocked
	case errors.Is(err, ErrAuth):
		return models.OutcomeAuthError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded):
		return models.OutcomeTimeout
	case errors.As(err, &statusErr):
		return classifyStatus(statusErr.Code)
	case errors.As(err, &httpErr):
		return classifyStatus(httpErr.Code)
	case errors.As(err, &netErr) && netErr.Timeout():
		return models.OutcomeTimeout
	case errors.Is(err, media.ErrEgressUnchanged),
		errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return models.OutcomeNetworkError
	default:
		return models.OutcomeError
	}
}

func classifyStatus(code int) models.Outcome {
	switch {
	case code == 401:
		return models.OutcomeAuthError
	case code == 403 || code == 429:
		return models.OutcomeBlocked
	default:
		return models.OutcomeError
	}
}
