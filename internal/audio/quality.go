package audio

import "math"

// maxScanSamples bounds how many samples are inspected per chunk, mirroring
// the "first ~100 samples" scan window used for PCM16 sanity checks.
const maxScanSamples = 100

// SilenceThresholds holds the energy and amplitude cutoffs below which a
// chunk is judged silent. Thresholds are calibrated per sample rate because
// narrowband (8 kHz) telephony audio runs at a much lower amplitude floor
// than 16 kHz capture.
type SilenceThresholds struct {
	EnergyThreshold    float64
	AmplitudeThreshold float64
}

// DefaultThresholds returns the calibrated threshold pair for a sample rate.
// Unrecognized rates fall back to the 16 kHz thresholds, the higher (more
// readily triggered) of the two.
func DefaultThresholds(sampleRateHz int) SilenceThresholds {
	if sampleRateHz == 8000 {
		return SilenceThresholds{EnergyThreshold: 10, AmplitudeThreshold: 10}
	}
	return SilenceThresholds{EnergyThreshold: 100, AmplitudeThreshold: 1000}
}

// ScaledThresholds applies sensitivity to DefaultThresholds. sensitivity is
// the operator-tunable ASR_VAD_SILENCE_THRESHOLD value (default 0.5); values
// above 0.5 raise both cutoffs (call it silent more readily), values below
// lower them. A sensitivity of 0 or less falls back to DefaultThresholds.
func ScaledThresholds(sampleRateHz int, sensitivity float64) SilenceThresholds {
	base := DefaultThresholds(sampleRateHz)
	if sensitivity <= 0 {
		return base
	}
	factor := sensitivity / 0.5
	return SilenceThresholds{
		EnergyThreshold:    base.EnergyThreshold * factor,
		AmplitudeThreshold: base.AmplitudeThreshold * factor,
	}
}

// ChunkStats holds the quality-gate measurements for one chunk.
type ChunkStats struct {
	Energy    float64
	MaxAmp    int
	AllZero   bool
	NumSamples int
}

// Analyze computes RMS energy and maximum absolute amplitude over up to
// maxScanSamples samples of a PCM16 little-endian mono buffer.
//
// Grounded on the RMS computation used by the whisper provider's silence
// detector, extended here with a maximum-absolute-amplitude companion
// statistic since the quality gate's silence rule requires both.
func Analyze(pcm []byte) ChunkStats {
	n := len(pcm) / 2
	if n > maxScanSamples {
		n = maxScanSamples
	}

	var sumSquares float64
	maxAmp := 0
	allZero := true

	for i := 0; i < n; i++ {
		lo := pcm[i*2]
		hi := pcm[i*2+1]
		sample := int16(uint16(lo) | uint16(hi)<<8)
		if sample != 0 {
			allZero = false
		}
		abs := int(sample)
		if abs < 0 {
			abs = -abs
		}
		if abs > maxAmp {
			maxAmp = abs
		}
		sumSquares += float64(sample) * float64(sample)
	}

	var energy float64
	if n > 0 {
		energy = math.Sqrt(sumSquares / float64(n))
	}

	return ChunkStats{Energy: energy, MaxAmp: maxAmp, AllZero: allZero, NumSamples: n}
}

// IsSilent applies the silence rule: a chunk is silent if every scanned
// sample is zero, or if both its energy and maximum amplitude fall below
// the supplied thresholds.
func (s ChunkStats) IsSilent(t SilenceThresholds) bool {
	if s.AllZero {
		return true
	}
	return s.Energy < t.EnergyThreshold && float64(s.MaxAmp) < t.AmplitudeThreshold
}

// Gate applies the Audio Quality Gate's warm-up-aware silence decision for
// one chunk of a call, using the default per-sample-rate thresholds.
// chunkIndex is 1-based (the index of this chunk within the call).
// warmupChunks is the number of leading chunks that are always sent
// regardless of silence (default 10; 0 disables warm-up).
func Gate(pcm []byte, sampleRateHz int, chunkIndex, warmupChunks int) (stats ChunkStats, suppress bool) {
	return GateWithThresholds(pcm, sampleRateHz, chunkIndex, warmupChunks, DefaultThresholds(sampleRateHz))
}

// GateWithThresholds is Gate with caller-supplied thresholds, letting
// operators tune ASR_VAD_SILENCE_THRESHOLD without touching the defaults.
func GateWithThresholds(pcm []byte, sampleRateHz int, chunkIndex, warmupChunks int, thresholds SilenceThresholds) (stats ChunkStats, suppress bool) {
	stats = Analyze(pcm)
	if chunkIndex <= warmupChunks {
		return stats, false
	}
	return stats, stats.IsSilent(thresholds)
}
