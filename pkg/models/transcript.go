package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// NoTranscriptText is the canonical text returned when no strategy produced a transcript
const NoTranscriptText = "No transcript available."

// Source identifies which strategy produced a transcript
type Source string

// Source constants
const (
	SourceCaptionsAPI         Source = "captions_api"
	SourceDirectText          Source = "direct_text"
	SourceBrowserInterception Source = "browser_interception"
	SourceAudioTranscription  Source = "audio_transcription"
	SourceNone                Source = "none"
)

// Outcome classifies a single strategy attempt
type Outcome string

// Outcome constants
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNoCaptions   Outcome = "no_captions"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeAuthError    Outcome = "auth_error"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeError        Outcome = "error"
	OutcomeSkipped      Outcome = "skipped"
)

// IsFailure reports whether the outcome is an attempt that ran and did not succeed
func (o Outcome) IsFailure() bool {
	return o != OutcomeSuccess && o != OutcomeSkipped
}

// Cookie is a user supplied authentication cookie
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// TranscriptRequest asks the pipeline for one video's transcript.
// Requests are treated as immutable once handed to the pipeline.
type TranscriptRequest struct {
	VideoID      string        `json:"video_id"`
	Language     string        `json:"language"`
	Cookies      []Cookie      `json:"cookies,omitempty"`
	AllowProxy   bool          `json:"allow_proxy"`
	AllowASR     bool          `json:"allow_asr"`
	DurationHint time.Duration `json:"duration_hint,omitempty"`
}

// HasCookies reports whether user credentials were supplied
func (r *TranscriptRequest) HasCookies() bool {
	return len(r.Cookies) > 0
}

// Attempt records a single strategy invocation
type Attempt struct {
	VideoID       string  `json:"video_id"`
	Strategy      Source  `json:"strategy"`
	Outcome       Outcome `json:"outcome"`
	AttemptNumber int     `json:"attempt_number"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	ProxyUsed     bool    `json:"proxy_used"`
	Profile       string  `json:"profile,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Attempts is the per-request attempt history
type Attempts []Attempt

// Value implements driver.Valuer for database storage
func (a Attempts) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner for database retrieval
func (a *Attempts) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, a)
	case string:
		return json.Unmarshal([]byte(data), a)
	default:
		return nil
	}
}

// TranscriptResult is the outcome of one pipeline run
type TranscriptResult struct {
	VideoID   string        `json:"video_id"`
	Language  string        `json:"language"`
	Text      string        `json:"text"`
	Source    Source        `json:"source"`
	Attempts  Attempts      `json:"attempts"`
	Elapsed   time.Duration `json:"elapsed"`
	FromCache bool          `json:"from_cache"`
	CreatedAt time.Time     `json:"created_at"`
}

// Available reports whether the result carries a real transcript
func (r *TranscriptResult) Available() bool {
	return r.Source != SourceNone && r.Text != "" && r.Text != NoTranscriptText
}

// Unavailable builds the sentinel result for a request
func Unavailable(req *TranscriptRequest, attempts Attempts, elapsed time.Duration) TranscriptResult {
	return TranscriptResult{
		VideoID:   req.VideoID,
		Language:  req.Language,
		Text:      NoTranscriptText,
		Source:    SourceNone,
		Attempts:  attempts,
		Elapsed:   elapsed,
		CreatedAt: time.Now(),
	}
}
