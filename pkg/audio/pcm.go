// Package audio converts between float audio samples, the 16-bit
// little-endian PCM wire format of the live tutor channel, and the
// base64 transport wrapper carried over the websocket.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vango-go/laoshi/pkg/core"
)

const (
	// pcmScale maps normalized float samples onto the int16 range.
	pcmScale = 32768.0

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// SamplesToWire quantizes normalized float samples into 16-bit little-endian
// PCM. Each sample is scaled by 32768 and rounded; out-of-range input is
// clamped to [-32768, 32767] rather than wrapping.
func SamplesToWire(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * pcmScale))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v)))
	}
	return out
}

// WireToSamples reinterprets 16-bit little-endian PCM as per-channel
// normalized float samples. Trailing bytes that do not make up a whole frame
// across all channels are dropped (truncate-toward-zero frames).
func WireToSamples(data []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, core.NewInvalidRequestError("channel count must be positive")
	}
	totalSamples := len(data) / BytesPerSample
	frames := totalSamples / channels

	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for frame := 0; frame < frames; frame++ {
		for ch := 0; ch < channels; ch++ {
			off := (frame*channels + ch) * BytesPerSample
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			out[ch][frame] = float32(float64(v) / pcmScale)
		}
	}
	return out, nil
}

// Blob is a text-safe transport wrapper around raw PCM bytes plus a format
// tag such as "audio/pcm;rate=16000".
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// EncodeBlob wraps raw PCM bytes in a base64 transport blob. The encoding is
// byte-exact reversible for all inputs, including empty ones.
func EncodeBlob(pcm []byte, mimeType string) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: mimeType,
	}
}

// Bytes decodes the blob back into raw PCM bytes.
func (b Blob) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, core.NewDecodeError(fmt.Sprintf("invalid base64 audio payload: %v", err))
	}
	return raw, nil
}

// PCMMIMEType builds the MIME tag for 16-bit mono PCM at the given rate.
func PCMMIMEType(sampleRateHz int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRateHz)
}

// RateFromMIMEType parses the rate parameter out of an "audio/pcm;rate=N"
// tag. Returns 0 when no rate parameter is present.
func RateFromMIMEType(mimeType string) int {
	for _, part := range strings.Split(mimeType, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "rate="); ok {
			if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return 0
}

// Duration reports the playback duration in seconds of raw 16-bit PCM bytes.
func Duration(pcmLen, sampleRateHz, channels int) float64 {
	if sampleRateHz <= 0 || channels <= 0 || pcmLen <= 0 {
		return 0
	}
	frames := pcmLen / (BytesPerSample * channels)
	return float64(frames) / float64(sampleRateHz)
}

// PCMToWAV wraps raw PCM bytes with a 44-byte WAV header, for debug dumps of
// captured or received audio.
func PCMToWAV(pcmData []byte, sampleRate, bitsPerSample, channels int) []byte {
	dataLen := len(pcmData)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcmData...)
}
