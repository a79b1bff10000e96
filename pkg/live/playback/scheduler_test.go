package playback

import (
	"testing"

	"github.com/vango-go/laoshi/pkg/audio"
)

type fakeClock struct {
	now float64
}

func (c *fakeClock) Now() float64 { return c.now }

type scheduledBuffer struct {
	frames  int
	startAt float64
	done    func()
	stopped bool
}

type fakeSink struct {
	buffers []*scheduledBuffer
	closed  int
}

func (s *fakeSink) ScheduleAt(samples []float32, startAt float64, done func()) (func(), error) {
	buf := &scheduledBuffer{frames: len(samples), startAt: startAt, done: done}
	s.buffers = append(s.buffers, buf)
	return func() { buf.stopped = true; buf.done() }, nil
}

func (s *fakeSink) Close() error {
	s.closed++
	return nil
}

func pcmBlob(frames int, rate int) audio.Blob {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = 0.1
	}
	return audio.EncodeBlob(audio.SamplesToWire(samples), audio.PCMMIMEType(rate))
}

func newTestScheduler() (*Scheduler, *fakeClock, *fakeSink) {
	clock := &fakeClock{}
	sink := &fakeSink{}
	return NewScheduler(clock, sink, SampleRateHz, nil), clock, sink
}

func TestBackToBackScheduling(t *testing.T) {
	s, _, sink := newTestScheduler()

	// 1.0s then 0.5s arriving back-to-back before the clock advances.
	s.Enqueue(pcmBlob(SampleRateHz, SampleRateHz))
	s.Enqueue(pcmBlob(SampleRateHz/2, SampleRateHz))

	if len(sink.buffers) != 2 {
		t.Fatalf("scheduled %d buffers", len(sink.buffers))
	}
	if sink.buffers[0].startAt != 0 {
		t.Fatalf("first start=%v", sink.buffers[0].startAt)
	}
	if sink.buffers[1].startAt != 1.0 {
		t.Fatalf("second start=%v, want exactly first start + 1.0s", sink.buffers[1].startAt)
	}
	if got := s.Cursor(); got != 1.5 {
		t.Fatalf("cursor=%v, want 1.5", got)
	}
}

func TestLaggingArrivalStartsAtClock(t *testing.T) {
	s, clock, sink := newTestScheduler()

	s.Enqueue(pcmBlob(SampleRateHz/4, SampleRateHz)) // 0.25s, cursor=0.25
	clock.now = 2.0                                  // arrival lags; silence gap tolerated
	s.Enqueue(pcmBlob(SampleRateHz/4, SampleRateHz))

	if sink.buffers[1].startAt != 2.0 {
		t.Fatalf("lagging start=%v, want clock time", sink.buffers[1].startAt)
	}
	if got := s.Cursor(); got != 2.25 {
		t.Fatalf("cursor=%v, want 2.25", got)
	}
}

func TestOrderingAndNoOverlap(t *testing.T) {
	s, clock, sink := newTestScheduler()

	durationsFrames := []int{12000, 6000, 18000}
	for i, frames := range durationsFrames {
		clock.now = float64(i) * 0.1
		s.Enqueue(pcmBlob(frames, SampleRateHz))
	}

	for i := 1; i < len(sink.buffers); i++ {
		prev, cur := sink.buffers[i-1], sink.buffers[i]
		if cur.startAt < prev.startAt {
			t.Fatalf("buffer %d starts before buffer %d", i, i-1)
		}
		prevEnd := prev.startAt + float64(prev.frames)/float64(SampleRateHz)
		if cur.startAt < prevEnd {
			t.Fatalf("buffer %d overlaps: start=%v, prev end=%v", i, cur.startAt, prevEnd)
		}
	}
}

func TestCursorNeverDecreases(t *testing.T) {
	s, clock, _ := newTestScheduler()

	last := s.Cursor()
	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			clock.now += 0.7
		}
		s.Enqueue(pcmBlob(1200*(i%5+1), SampleRateHz))
		if cur := s.Cursor(); cur < last {
			t.Fatalf("cursor decreased: %v -> %v", last, cur)
		} else {
			last = cur
		}
	}
}

func TestMalformedChunkDropped(t *testing.T) {
	s, _, sink := newTestScheduler()

	s.Enqueue(audio.Blob{Data: "***", MIMEType: audio.PCMMIMEType(SampleRateHz)})
	if len(sink.buffers) != 0 {
		t.Fatal("malformed chunk must not schedule")
	}
	if got := s.Cursor(); got != 0 {
		t.Fatalf("cursor moved for malformed chunk: %v", got)
	}

	// The scheduler keeps going with the next valid chunk.
	s.Enqueue(pcmBlob(2400, SampleRateHz))
	if len(sink.buffers) != 1 {
		t.Fatal("valid chunk after malformed one must schedule")
	}
}

func TestActiveSetTracksCompletion(t *testing.T) {
	s, _, sink := newTestScheduler()

	s.Enqueue(pcmBlob(2400, SampleRateHz))
	s.Enqueue(pcmBlob(2400, SampleRateHz))
	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount=%d, want 2", got)
	}

	sink.buffers[0].done()
	if got := s.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount after completion=%d, want 1", got)
	}
}

func TestCloseStopsActiveBuffers(t *testing.T) {
	s, _, sink := newTestScheduler()

	s.Enqueue(pcmBlob(2400, SampleRateHz))
	s.Enqueue(pcmBlob(2400, SampleRateHz))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, buf := range sink.buffers {
		if !buf.stopped {
			t.Fatalf("buffer %d not stopped on close", i)
		}
	}
	if sink.closed != 1 {
		t.Fatalf("sink closed %d times", sink.closed)
	}

	// Idempotent, and late enqueues are ignored.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.closed != 1 {
		t.Fatalf("sink closed again: %d", sink.closed)
	}
	s.Enqueue(pcmBlob(2400, SampleRateHz))
	if len(sink.buffers) != 2 {
		t.Fatal("enqueue after close must be ignored")
	}
}

func TestEmptyChunkIgnored(t *testing.T) {
	s, _, sink := newTestScheduler()
	s.Enqueue(audio.EncodeBlob(nil, audio.PCMMIMEType(SampleRateHz)))
	if len(sink.buffers) != 0 || s.Cursor() != 0 {
		t.Fatal("empty chunk must be a no-op")
	}
}
