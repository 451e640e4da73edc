package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	defaultSampleRate = 24000
	secondsPerChar    = 0.045
	streamChunkBytes  = 4096
)

// Local is a development synthesizer with no hosted dependency. It renders a
// deterministic tone whose pitch follows the input text, long enough to match
// a plausible speaking duration, as a 16-bit mono WAV.
type Local struct{}

func (l *Local) Name() string { return "local" }

func (l *Local) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if text == "" {
		return nil, fmt.Errorf("synthesize: empty text")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}

	duration := float64(len(text)) * secondsPerChar / speed
	samples := int(duration * float64(rate))
	if samples < rate/10 {
		samples = rate / 10
	}

	pcm := make([]byte, samples*2)
	freq := toneFor(text)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(rate))
		s := int16(v * 0.3 * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	audio := pcm
	format := opts.Format
	if format == "" {
		format = "wav"
	}
	if format == "wav" {
		audio = append(wavHeader(len(pcm), rate), pcm...)
	}
	return &Synthesis{
		Audio:      audio,
		Format:     format,
		SampleRate: rate,
		Duration:   float64(samples) / float64(rate),
	}, nil
}

func (l *Local) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	syn, err := l.Synthesize(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	stream := NewSynthesisStream()
	go func() {
		defer stream.Close()
		defer stream.FinishSending()
		audio := syn.Audio
		for len(audio) > 0 {
			if err := ctx.Err(); err != nil {
				stream.SetError(err)
				return
			}
			n := streamChunkBytes
			if n > len(audio) {
				n = len(audio)
			}
			if !stream.Send(audio[:n]) {
				return
			}
			audio = audio[n:]
		}
	}()
	return stream, nil
}

// toneFor maps text onto a stable frequency in the speech band.
func toneFor(text string) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	return 120 + float64(h%400)
}

func wavHeader(dataLen, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], channels)
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}
