package audio

import (
	"bytes"
	"fmt"

	soxr "github.com/zaf/resample"
)

// Resample converts PCM16 mono from inRate to outRate.
//
// When outRate is an exact multiple of inRate each sample is repeated, so the
// output is exactly len(pcm)*ratio bytes. Other ratios go through soxr.
func Resample(pcm []byte, inRate, outRate int) ([]byte, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("%w: rates %d -> %d", ErrMalformedPayload, inRate, outRate)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(pcm))
	}
	switch {
	case len(pcm) == 0:
		return nil, nil
	case inRate == outRate:
		return append([]byte(nil), pcm...), nil
	case outRate%inRate == 0:
		return repeatSamples(pcm, outRate/inRate), nil
	default:
		return soxrResample(pcm, inRate, outRate)
	}
}

func repeatSamples(pcm []byte, ratio int) []byte {
	out := make([]byte, 0, len(pcm)*ratio)
	for i := 0; i+1 < len(pcm); i += BytesPerSample {
		for r := 0; r < ratio; r++ {
			out = append(out, pcm[i], pcm[i+1])
		}
	}
	return out
}

// soxrResample runs a one-shot soxr conversion. Close flushes the filter
// tail into buf, so the result covers the whole input.
func soxrResample(pcm []byte, inRate, outRate int) ([]byte, error) {
	buf := &bytes.Buffer{}
	r, err := soxr.New(buf, float64(inRate), float64(outRate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := r.Write(pcm); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("resampler close: %w", err)
	}
	out := buf.Bytes()
	return fitLength(out, expectedLength(len(pcm), inRate, outRate)), nil
}

func expectedLength(n, inRate, outRate int) int {
	samples := int64(n/BytesPerSample) * int64(outRate) / int64(inRate)
	return int(samples) * BytesPerSample
}

// fitLength pads with silence or truncates so the output length tracks the
// input length times the rate ratio.
func fitLength(b []byte, want int) []byte {
	if len(b) >= want {
		return b[:want]
	}
	return append(b, make([]byte, want-len(b))...)
}
