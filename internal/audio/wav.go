package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

// BuildWAV wraps raw PCM in a RIFF/WAVE header. sampleRate in Hz; channels
// and bitsPerSample describe the PCM layout (normally 1 and 16).
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV reads a 16-bit PCM WAV file and downmixes it to mono.
func DecodeWAV(b []byte) ([]byte, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: not a wav file", ErrMalformedPayload)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("%w: unsupported wav bit depth %d", ErrMalformedPayload, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	chans := int(dec.NumChans)
	if chans <= 0 {
		chans = 1
	}
	samples := make([]int16, 0, len(buf.Data)/chans)
	for i := 0; i+chans <= len(buf.Data); i += chans {
		sum := 0
		for c := 0; c < chans; c++ {
			sum += buf.Data[i+c]
		}
		samples = append(samples, int16(sum/chans))
	}
	return SamplesToBytes(samples), int(dec.SampleRate), nil
}
