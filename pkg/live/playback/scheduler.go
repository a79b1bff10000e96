// Package playback reconstructs continuous audio from inbound model chunks
// and schedules gap-free sequential playback on the output device.
package playback

import (
	"log/slog"
	"sync"

	"github.com/vango-go/laoshi/pkg/audio"
)

// SampleRateHz is the fixed model output rate.
const SampleRateHz = 24000

// Clock reports the current output-clock time in seconds. The scheduler
// never assumes the clock relates to wall time.
type Clock interface {
	Now() float64
}

// Sink plays scheduled buffers on the output device.
type Sink interface {
	// ScheduleAt queues mono float samples to start at startAt seconds on
	// the sink's output clock, padding with silence if startAt is in the
	// future. done runs exactly once when the buffer finishes or is
	// stopped; it must not be invoked synchronously from ScheduleAt. The
	// returned stop cancels any unplayed remainder, best-effort.
	ScheduleAt(samples []float32, startAt float64, done func()) (stop func(), err error)

	// Close releases the output device. Idempotent.
	Close() error
}

// Scheduler accepts decoded audio blobs in transport delivery order and
// schedules each to start at max(clock now, cursor), advancing the cursor by
// the buffer duration. Buffers therefore play back-to-back with no overlap;
// if arrival lags behind the clock, a silence gap is tolerated and the next
// buffer starts immediately.
type Scheduler struct {
	clock      Clock
	sink       Sink
	sampleRate int
	logger     *slog.Logger

	mu     sync.Mutex
	cursor float64
	nextID uint64
	active map[uint64]func()
	closed bool
}

// NewScheduler builds a scheduler over the given clock and sink.
func NewScheduler(clock Clock, sink Sink, sampleRateHz int, logger *slog.Logger) *Scheduler {
	if sampleRateHz <= 0 {
		sampleRateHz = SampleRateHz
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:      clock,
		sink:       sink,
		sampleRate: sampleRateHz,
		logger:     logger,
		active:     make(map[uint64]func()),
	}
}

// Enqueue decodes one inbound blob and schedules it. A malformed blob is
// logged and dropped; playback continues with the next valid chunk. Callers
// must enqueue blobs in transport delivery order.
func (s *Scheduler) Enqueue(blob audio.Blob) {
	pcm, err := blob.Bytes()
	if err != nil {
		s.logger.Debug("dropping malformed audio chunk", "error", err)
		return
	}
	chans, err := audio.WireToSamples(pcm, 1)
	if err != nil {
		s.logger.Debug("dropping undecodable audio chunk", "error", err)
		return
	}
	samples := chans[0]
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	start := s.clock.Now()
	if s.cursor > start {
		start = s.cursor
	}
	duration := float64(len(samples)) / float64(s.sampleRate)
	id := s.nextID
	s.nextID++
	s.cursor = start + duration
	s.active[id] = func() {} // placeholder until the sink hands back a stop
	s.mu.Unlock()

	stop, err := s.sink.ScheduleAt(samples, start, func() { s.finish(id) })
	if err != nil {
		s.logger.Debug("sink rejected audio chunk", "error", err)
		s.finish(id)
		return
	}

	s.mu.Lock()
	if _, pending := s.active[id]; pending {
		s.active[id] = stop
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// The buffer already finished (or the scheduler closed) while the sink
	// call was in flight; nothing left to track.
}

func (s *Scheduler) finish(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Cursor returns the next playback start time. It never decreases.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ActiveCount reports how many scheduled buffers have not finished yet.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops all still-scheduled buffers best-effort and releases the sink.
// Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stops := make([]func(), 0, len(s.active))
	for _, stop := range s.active {
		stops = append(stops, stop)
	}
	s.active = make(map[uint64]func())
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return s.sink.Close()
}
