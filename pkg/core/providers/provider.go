// Package providers defines the language-model provider contract used by the
// generation pipeline. Every provider streams tokens; non-streaming callers
// drain the stream.
package providers

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/core/types"
)

// Provider is one language-model backend.
type Provider interface {
	// Name returns the provider identifier used in request routing.
	Name() string

	// Stream starts a generation and returns a token stream.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Request is a provider-agnostic generation request.
type Request struct {
	Model           string
	Messages        []types.Message
	Instructions    string
	Temperature     float64
	MaxOutputTokens int
}

// Stream delivers generated tokens in order. The producer closes the token
// channel when generation finishes; Usage and Err are valid after that.
type Stream struct {
	tokens chan string
	done   chan struct{}

	mu    sync.Mutex
	usage types.Usage
	err   error
}

// NewStream creates a stream for a provider implementation to feed.
func NewStream() *Stream {
	return &Stream{
		tokens: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Tokens returns the channel of generated tokens.
func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

// Usage returns token accounting. It blocks until the stream finishes.
func (s *Stream) Usage() types.Usage {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Err returns the terminal error, if any. It blocks until the stream finishes.
func (s *Stream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers one token. Returns false once the stream is closed.
func (s *Stream) Send(ctx context.Context, token string) bool {
	select {
	case s.tokens <- token:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Finish closes the stream with final usage and an optional error.
func (s *Stream) Finish(usage types.Usage, err error) {
	s.mu.Lock()
	s.usage = usage
	s.err = err
	s.mu.Unlock()
	close(s.tokens)
	close(s.done)
}

// Collect drains a stream into the concatenated text and final usage.
func Collect(s *Stream) (string, types.Usage, error) {
	text := ""
	for tok := range s.Tokens() {
		text += tok
	}
	return text, s.Usage(), s.Err()
}
