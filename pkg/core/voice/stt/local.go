package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Local is a development transcriber with no hosted dependency. When the
// audio payload is valid UTF-8 it is returned verbatim as the transcript,
// which keeps end-to-end flows reproducible in tests and demo deployments.
type Local struct {
	// DefaultLanguage is reported when the request does not pin one.
	DefaultLanguage string
}

func (l *Local) Name() string { return "local" }

func (l *Local) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lang := opts.Language
	if lang == "" {
		lang = l.DefaultLanguage
	}
	if lang == "" {
		lang = "en"
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	// 16-bit mono PCM assumed for the duration estimate.
	duration := float64(len(data)) / float64(rate*2)

	text := ""
	confidence := 0.0
	if utf8.Valid(data) {
		text = strings.TrimSpace(string(data))
	}
	if text != "" {
		confidence = 0.95
	}
	return &Transcript{
		Text:       text,
		Language:   lang,
		Confidence: confidence,
		Duration:   duration,
	}, nil
}
