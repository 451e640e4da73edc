package stt

import (
	"context"
	"strings"
	"testing"
)

func TestLocalTranscribeText(t *testing.T) {
	p := &Local{}
	tr, err := p.Transcribe(context.Background(), strings.NewReader("hello there"), TranscribeOptions{Language: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "hello there" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
	if tr.Language != "en" {
		t.Fatalf("unexpected language %q", tr.Language)
	}
	if tr.Confidence <= 0 {
		t.Fatalf("expected positive confidence, got %v", tr.Confidence)
	}
}

func TestLocalTranscribeBinary(t *testing.T) {
	p := &Local{DefaultLanguage: "de"}
	tr, err := p.Transcribe(context.Background(), strings.NewReader("\xff\xfe\x00\x01"), TranscribeOptions{})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "" {
		t.Fatalf("expected empty transcript for opaque audio, got %q", tr.Text)
	}
	if tr.Language != "de" {
		t.Fatalf("unexpected language %q", tr.Language)
	}
	if tr.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", tr.Duration)
	}
}

func TestLocalTranscribeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&Local{}).Transcribe(ctx, strings.NewReader("x"), TranscribeOptions{}); err == nil {
		t.Fatal("expected context error")
	}
}
