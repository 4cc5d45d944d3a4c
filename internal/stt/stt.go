// Package stt submits extracted audio to a speech-to-text service.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ErrEmptyTranscript is returned when the service produced no text
var ErrEmptyTranscript = errors.New("speech recognition returned no text")

// Transcriber turns an audio file into text
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, lang string) (string, error)
}

// StatusError carries a non-2xx reply from a transcription service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription service returned %d: %s", e.Code, e.Body)
}

// geminiInlineLimit is the largest audio sent inline with the request. Larger
// files go through the Files API; inline requests are capped at 20 MB in total.
const geminiInlineLimit = 15 * 1024 * 1024

// generator is the part of genai.Models the transcriber uses
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// fileStore is the part of genai.Files the transcriber uses
type fileStore interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

// Gemini transcribes audio with a Gemini model
type Gemini struct {
	models      generator
	files       fileStore
	model       string
	inlineLimit int64
	pollEvery   time.Duration
}

// NewGemini creates a Gemini transcriber
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{
		models:      client.Models,
		files:       client.Files,
		model:       model,
		inlineLimit: geminiInlineLimit,
		pollEvery:   time.Second,
	}, nil
}

// Transcribe sends the audio with a transcription prompt. Small files travel
// inline; larger ones are uploaded first and referenced by URI.
func (g *Gemini) Transcribe(ctx context.Context, audioPath, lang string) (string, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}

	prompt := "Transcribe the speech in this audio verbatim as plain text. " +
		"Do not add timestamps, speaker labels or commentary."
	if lang != "" {
		prompt += fmt.Sprintf(" The expected language is %q.", lang)
	}

	var audio *genai.Part
	if info.Size() <= g.inlineLimit {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return "", fmt.Errorf("failed to read audio: %w", err)
		}
		audio = genai.NewPartFromBytes(data, "audio/wav")
	} else {
		file, err := g.upload(ctx, audioPath)
		if err != nil {
			return "", err
		}
		defer g.remove(file.Name)
		audio = genai.NewPartFromURI(file.URI, file.MIMEType)
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt), audio}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := g.models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// upload stores the audio with the Files API and waits until it is usable
func (g *Gemini) upload(ctx context.Context, audioPath string) (*genai.File, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	file, err := g.files.Upload(ctx, f, &genai.UploadFileConfig{MIMEType: "audio/wav"})
	if err != nil {
		return nil, fmt.Errorf("gemini upload failed: %w", err)
	}
	if file.MIMEType == "" {
		file.MIMEType = "audio/wav"
	}

	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			g.remove(file.Name)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		current, err := g.files.Get(ctx, file.Name, nil)
		if err != nil {
			g.remove(file.Name)
			return nil, fmt.Errorf("gemini upload status failed: %w", err)
		}
		if current.MIMEType == "" {
			current.MIMEType = file.MIMEType
		}
		file = current
	}

	if file.State == genai.FileStateFailed {
		g.remove(file.Name)
		return nil, fmt.Errorf("gemini could not process uploaded audio %s", file.Name)
	}
	return file, nil
}

// remove deletes an uploaded file. The request context may already be done.
func (g *Gemini) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = g.files.Delete(ctx, name, nil)
}

// HTTP transcribes audio with a whisper-compatible endpoint
// (POST {endpoint}/v1/audio/transcriptions)
type HTTP struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTP creates an HTTP transcriber
func NewHTTP(endpoint, apiKey string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTP{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    "whisper-1",
		client:   &http.Client{Timeout: timeout},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the audio as multipart form data
func (h *HTTP) Transcribe(ctx context.Context, audioPath, lang string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to buffer audio: %w", err)
	}
	_ = w.WriteField("model", h.model)
	_ = w.WriteField("response_format", "json")
	if lang != "" {
		_ = w.WriteField("language", lang)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode transcription: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}
