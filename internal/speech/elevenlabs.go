package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabs synthesizes speech with the ElevenLabs REST API and plays the
// returned audio with a local player.
type ElevenLabs struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string

	client    *http.Client
	playAudio func(ctx context.Context, path string) error
}

func NewElevenLabs(apiKey, voiceID, modelID, outputFormat string) *ElevenLabs {
	return &ElevenLabs{
		APIKey:       apiKey,
		VoiceID:      voiceID,
		ModelID:      modelID,
		OutputFormat: outputFormat,
		BaseURL:      elevenLabsBaseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		playAudio:    playAudioFile,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Play(ctx context.Context, text string) error {
	if e.APIKey == "" {
		return fmt.Errorf("%w: no API key", ErrUnavailable)
	}

	audio, err := e.synthesize(ctx, text)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "ttsrelay-*"+e.extension())
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(audio); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	return e.playAudio(ctx, f.Name())
}

func (e *ElevenLabs) synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": e.ModelID,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", strings.TrimSuffix(e.BaseURL, "/"), url.PathEscape(e.VoiceID))
	if e.OutputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(e.OutputFormat)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs returned empty audio")
	}
	return audio, nil
}

func (e *ElevenLabs) extension() string {
	switch {
	case strings.HasPrefix(e.OutputFormat, "mp3"), e.OutputFormat == "":
		return ".mp3"
	case strings.HasPrefix(e.OutputFormat, "opus"):
		return ".opus"
	default:
		return ".wav"
	}
}

// playAudioFile plays an audio file with the first available local player
func playAudioFile(ctx context.Context, path string) error {
	candidates := [][]string{
		{"mpg123", "-q", path},
		{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", path},
	}
	if runtime.GOOS == "darwin" {
		candidates = append([][]string{{"afplay", path}}, candidates...)
	}

	for _, argv := range candidates {
		bin, err := exec.LookPath(argv[0])
		if err != nil {
			continue
		}
		if out, err := exec.CommandContext(ctx, bin, argv[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s failed: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return fmt.Errorf("%w: no audio player found (install mpg123 or ffmpeg)", ErrUnavailable)
}
