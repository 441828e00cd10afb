package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// AudioBackend abstracts transcription and speech synthesis.
type AudioBackend interface {
	Transcribe(ctx context.Context, path string) (string, error)
	Speak(ctx context.Context, text string) (string, error) // returns output file path
}

// MockAudioBackend is a no-op backend for testing/development.
type MockAudioBackend struct{}

func (MockAudioBackend) Transcribe(_ context.Context, _ string) (string, error) {
	return "", fmt.Errorf("audio backend not configured")
}
func (MockAudioBackend) Speak(_ context.Context, _ string) (string, error) {
	return "", fmt.Errorf("audio backend not configured")
}

// HTTPAudioBackend uses the OpenAI Whisper API for transcription and the
// ElevenLabs API for speech synthesis.
type HTTPAudioBackend struct {
	openAIKey     string
	elevenLabsKey string
	voiceID       string
	outputDir     string
	client        *http.Client
}

// NewHTTPAudioBackend creates a backend from config.
func NewHTTPAudioBackend(cfg config.AudioConfig) *HTTPAudioBackend {
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	return &HTTPAudioBackend{
		openAIKey:     cfg.OpenAIKey,
		elevenLabsKey: cfg.ElevenLabsKey,
		voiceID:       cfg.VoiceID,
		outputDir:     outputDir,
		client:        &http.Client{Timeout: 2 * time.Minute},
	}
}

func (b *HTTPAudioBackend) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.WriteField("model", "whisper-1"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.openai.com/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.openAIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("whisper API %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (b *HTTPAudioBackend) Speak(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_multilingual_v2",
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s", b.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", b.elevenLabsKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("elevenlabs API %d: %s", resp.StatusCode, msg)
	}

	outPath := filepath.Join(b.outputDir, fmt.Sprintf("speech_%s.mp3", ulid.Make()))
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return outPath, nil
}

// AudioTools returns the transcription and speech tools.
func AudioTools(backend AudioBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockAudioBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "audio_transcribe",
			desc: "Transcribe a local audio file to text.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"path": {"type": "string", "description": "Path to the audio file"}},
				"required": ["path"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				text, err := backend.Transcribe(ctx, p.Path)
				if err != nil {
					logger.Warn("transcription failed", "error", err)
					return errResult(err), nil
				}
				return okText(text)
			},
		},
		&apiTool{
			name: "audio_speak",
			desc: "Synthesize speech from text and save it as an audio file.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				path, err := backend.Speak(ctx, p.Text)
				if err != nil {
					logger.Warn("speech synthesis failed", "error", err)
					return errResult(err), nil
				}
				return okText("Saved speech to " + path)
			},
		},
	}
}
