package playback

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/laoshi/pkg/audio"
	"github.com/vango-go/laoshi/pkg/core"
)

// speakerBufferSize keeps device latency low while leaving headroom against
// pull-timing jitter.
const speakerBufferSize = 100 * time.Millisecond

type speakerSegment struct {
	startFrame int64
	pcm        []byte // s16le mono
	off        int
	stopped    bool

	doneOnce sync.Once
	done     func()
}

func (seg *speakerSegment) fireDone() {
	seg.doneOnce.Do(func() {
		if seg.done != nil {
			seg.done()
		}
	})
}

// SpeakerSink plays scheduled buffers through the default output device via
// an oto pull player, inserting silence up to each buffer's start time.
//
// It implements both Sink and Clock: Now is the count of frames handed to
// the device, in seconds. The player pulls continuously, so the clock keeps
// advancing through silence exactly like a running output device.
type SpeakerSink struct {
	otoCtx     *oto.Context
	sampleRate int

	mu       sync.Mutex
	player   *oto.Player
	segments []*speakerSegment
	consumed int64
	closed   bool
}

// NewSpeakerSink opens the default output device at the given rate, mono
// 16-bit.
func NewSpeakerSink(sampleRateHz int) (*SpeakerSink, error) {
	if sampleRateHz <= 0 {
		sampleRateHz = SampleRateHz
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRateHz,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   speakerBufferSize,
	})
	if err != nil {
		return nil, core.NewTransportErrorf("speaker unavailable: %v", err)
	}
	<-ready

	return &SpeakerSink{otoCtx: otoCtx, sampleRate: sampleRateHz}, nil
}

// Now implements Clock.
func (s *SpeakerSink) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.consumed) / float64(s.sampleRate)
}

// ScheduleAt implements Sink. The player is created lazily on the first
// scheduled buffer.
func (s *SpeakerSink) ScheduleAt(samples []float32, startAt float64, done func()) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.NewTransportError("speaker is closed")
	}
	seg := &speakerSegment{
		startFrame: int64(startAt*float64(s.sampleRate) + 0.5),
		pcm:        audio.SamplesToWire(samples),
		done:       done,
	}
	s.segments = append(s.segments, seg)
	if s.player == nil && s.otoCtx != nil {
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		seg.stopped = true
		s.mu.Unlock()
		seg.fireDone()
	}
	return stop, nil
}

// Read implements io.Reader for the oto player. It emits silence between and
// ahead of scheduled segments so the output clock never stalls.
func (s *SpeakerSink) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	frames := len(p) / audio.BytesPerSample

	var finished []*speakerSegment

	s.mu.Lock()
	i := 0
	for i < frames {
		if len(s.segments) == 0 {
			break
		}
		seg := s.segments[0]
		if seg.stopped || seg.off >= len(seg.pcm) {
			finished = append(finished, seg)
			s.segments = s.segments[1:]
			continue
		}
		cur := s.consumed + int64(i)
		if seg.startFrame > cur {
			gap := seg.startFrame - cur
			if gap > int64(frames-i) {
				gap = int64(frames - i)
			}
			i += int(gap) // silence already zeroed
			continue
		}
		n := copy(p[i*audio.BytesPerSample:frames*audio.BytesPerSample], seg.pcm[seg.off:])
		seg.off += n
		i += n / audio.BytesPerSample
		if seg.off >= len(seg.pcm) {
			finished = append(finished, seg)
			s.segments = s.segments[1:]
		}
	}
	s.consumed += int64(frames)
	s.mu.Unlock()

	for _, seg := range finished {
		seg.fireDone()
	}
	return frames * audio.BytesPerSample, nil
}

// Close implements Sink. Remaining segments are released and their done
// callbacks fired. Idempotent.
func (s *SpeakerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	player := s.player
	s.player = nil
	segments := s.segments
	s.segments = nil
	s.mu.Unlock()

	for _, seg := range segments {
		seg.fireDone()
	}
	if player != nil {
		_ = player.Close()
	}
	return nil
}
