// Package speech converts recorded audio to text for the gateway's audio path.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, path string) (string, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

// WhisperConfig configures the OpenAI transcriber.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string // defaults to whisper-1
	Language string
}

// Whisper transcribes audio with the OpenAI audio transcription API.
type Whisper struct {
	client   openai.Client
	model    openai.AudioModel
	language string
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg WhisperConfig, opts ...option.RequestOption) (*Whisper, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("whisper transcriber requires an API key")
	}
	model := openai.AudioModelWhisper1
	if cfg.Model != "" {
		model = openai.AudioModel(cfg.Model)
	}

	base := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Whisper{
		client:   openai.NewClient(append(base, opts...)...),
		model:    model,
		language: cfg.Language,
	}, nil
}

// Transcribe implements Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer func() { _ = f.Close() }()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: w.model,
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// WriteScratch stores audio bytes as temp_audio_<hex>.wav under dir, creating
// the directory if needed. The returned cleanup removes the file.
func WriteScratch(dir string, data []byte) (path string, cleanup func(), err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	name := "temp_audio_" + strings.ReplaceAll(uuid.NewString(), "-", "") + ".wav"
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("write scratch audio: %w", err)
	}
	return path, func() { _ = os.Remove(path) }, nil
}
