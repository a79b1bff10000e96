// Package capture owns the microphone: it acquires the input device, frames
// the stream into fixed-size chunks at the session input rate, and pushes
// each chunk to the live transport.
package capture

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/laoshi/pkg/core"
)

const (
	// SampleRateHz is the fixed microphone capture rate.
	SampleRateHz = 16000

	// ChunkFrames is the fixed capture chunk size. Each emitted chunk holds
	// exactly this many mono frames.
	ChunkFrames = 4096

	// devicePeriodMS keeps device callbacks small; the chunker reassembles
	// them into full chunks.
	devicePeriodMS = 20
)

// Chunker reframes a continuous sample stream into fixed-size chunks,
// invoking emit once per complete chunk in stream order. A trailing partial
// chunk is discarded when capture stops.
type Chunker struct {
	frames int
	emit   func([]float32)

	mu  sync.Mutex
	buf []float32
}

// NewChunker returns a chunker emitting chunks of the given frame count.
func NewChunker(frames int, emit func([]float32)) *Chunker {
	if frames <= 0 {
		frames = ChunkFrames
	}
	return &Chunker{
		frames: frames,
		emit:   emit,
		buf:    make([]float32, 0, frames),
	}
}

// Push appends samples and emits every complete chunk they fill. Each
// emitted slice is owned by the callee.
func (c *Chunker) Push(samples []float32) {
	var ready [][]float32

	c.mu.Lock()
	c.buf = append(c.buf, samples...)
	for len(c.buf) >= c.frames {
		chunk := make([]float32, c.frames)
		copy(chunk, c.buf[:c.frames])
		c.buf = c.buf[c.frames:]
		ready = append(ready, chunk)
	}
	c.mu.Unlock()

	for _, chunk := range ready {
		c.emit(chunk)
	}
}

// Buffered reports the frames held back waiting for a full chunk.
func (c *Chunker) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Mic holds exclusive ownership of the microphone stream for one session.
type Mic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger *slog.Logger

	closeOnce sync.Once
}

// OpenMic acquires the default capture device at 16 kHz mono float and
// starts pushing fixed 4096-frame chunks to onChunk. Acquisition failures
// map to a permission error: on every supported platform a refused
// microphone grant surfaces as device init/start failure.
func OpenMic(onChunk func([]float32), logger *slog.Logger) (*Mic, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, core.NewPermissionDeniedError("audio subsystem unavailable: " + err.Error())
	}

	chunker := NewChunker(ChunkFrames, onChunk)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = SampleRateHz
	deviceConfig.PeriodSizeInMilliseconds = devicePeriodMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			chunker.Push(samplesFromF32LE(input))
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, core.NewPermissionDeniedError("microphone access refused: " + err.Error())
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, core.NewPermissionDeniedError("microphone could not start: " + err.Error())
	}

	logger.Debug("microphone capture started",
		"sample_rate_hz", SampleRateHz,
		"chunk_frames", ChunkFrames)

	return &Mic{ctx: mctx, device: device, logger: logger}, nil
}

// Close stops the stream and releases the device. Idempotent.
func (m *Mic) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		if m.device != nil {
			_ = m.device.Stop()
			m.device.Uninit()
		}
		if m.ctx != nil {
			_ = m.ctx.Uninit()
			m.ctx.Free()
		}
		m.logger.Debug("microphone released")
	})
	return nil
}

// samplesFromF32LE reinterprets a little-endian float32 byte stream as
// samples. Trailing bytes short of a full sample are dropped.
func samplesFromF32LE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
