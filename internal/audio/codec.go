// Package audio implements frame decoding, validation, and pre-send quality
// gating for PCM16 telephony audio.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
)

// ErrOddLength is returned when a decoded PCM16 payload has an odd byte
// length (not a whole number of 16-bit samples).
var ErrOddLength = errors.New("audio: payload length is not a multiple of 2")

// ErrInvalidBase64 is returned when a payload is not valid standard base64.
var ErrInvalidBase64 = errors.New("audio: payload is not valid base64")

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// bitsPerSample is fixed: the system only ever carries 16-bit signed linear
// PCM, mono.
const bitsPerSample = 16

// DecodeBase64PCM16 validates and decodes a base64-encoded PCM16 payload.
// It enforces the base64 alphabet before attempting to decode (rather than
// relying solely on the decoder's own error) so that malformed telephony
// payloads are rejected with a stable sentinel error.
func DecodeBase64PCM16(encoded string) ([]byte, error) {
	if !base64Pattern.MatchString(encoded) {
		return nil, ErrInvalidBase64
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(raw)%2 != 0 {
		return nil, ErrOddLength
	}
	return raw, nil
}

// EncodeBase64PCM16 is the inverse of DecodeBase64PCM16.
func EncodeBase64PCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// LooksLikeJSON reports whether buf begins (after leading whitespace) with
// '{' or '[', which on this system's telephony bridge indicates a
// control-plane message arriving on a channel that otherwise carries binary
// audio. Frames for which this returns true must be routed to the control
// parser instead of treated as audio.
func LooksLikeJSON(buf []byte) bool {
	for _, b := range buf {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// DurationMs derives the playback duration, in milliseconds, of a PCM16
// mono buffer at the given sample rate.
func DurationMs(pcm []byte, sampleRateHz int) int64 {
	if sampleRateHz <= 0 {
		return 0
	}
	samples := int64(len(pcm) / (bitsPerSample / 8))
	return samples * 1000 / int64(sampleRateHz)
}

// PlausibleFrameSize reports whether len(pcm) is a reasonable size for a
// frame of frameMs milliseconds at sampleRateHz, allowing generous slack
// since telephony origins do not always send perfectly uniform chunks.
func PlausibleFrameSize(pcm []byte, sampleRateHz, frameMs int) bool {
	if sampleRateHz <= 0 || frameMs <= 0 {
		return true
	}
	expected := sampleRateHz * frameMs / 1000 * (bitsPerSample / 8)
	if expected <= 0 {
		return true
	}
	// Allow 0.25x-4x of the expected size; telephony chunking is bursty.
	return len(pcm) >= expected/4 && len(pcm) <= expected*4
}

// Amplify multiplies every sample in pcm by factor, clamping saturating to
// the int16 range. It is applied to narrowband (8 kHz) telephony audio,
// which is typically quieter than native 16 kHz capture. Amplifying a
// buffer of all-zero samples is a no-op (silence stays silence).
func Amplify(pcm []byte, factor float64) []byte {
	if factor == 1 || factor <= 0 || len(pcm) < 2 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := float64(sample) * factor
		out[i], out[i+1] = clampInt16(scaled)
	}
	return out
}

func clampInt16(v float64) (lo, hi byte) {
	const maxI16 = float64(32767)
	const minI16 = float64(-32768)
	if v > maxI16 {
		v = maxI16
	} else if v < minI16 {
		v = minI16
	}
	s := int16(v)
	return byte(uint16(s)), byte(uint16(s) >> 8)
}
