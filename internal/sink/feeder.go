package sink

import (
	"log/slog"
	"sync"

	"github.com/pipcast/pipcast/internal/media"
)

// pending operation kinds; at most one sink update is in flight per feeder.
const (
	opNone = iota
	opAppend
	opRemove
)

// maxConsecutiveRejects is how many times one chunk may be rejected
// before the feeder surfaces a fatal error.
const maxConsecutiveRejects = 3

// FeederOptions configures a Feeder.
type FeederOptions struct {
	Track media.Track

	// LookaheadS caps buffered media ahead of the playhead; 0 means the
	// default. BehindS is the sliding-window retention; 0 means default.
	LookaheadS float64
	BehindS    float64

	// Autoplay requests playback once more than half a second is
	// buffered. Enabled on the video feeder only.
	Autoplay bool

	// OnBufferUpdate fires after every successful append completes.
	OnBufferUpdate func()

	// OnFatal fires when a chunk was rejected too many times.
	OnFatal func(error)

	Log *slog.Logger
}

// Feeder forwards container chunks into one sink buffer. It never
// submits while the buffer is updating, caps look-ahead past the
// playhead, trims a sliding window behind it, and retries rejected
// appends a bounded number of times.
type Feeder struct {
	sink Sink
	buf  Buffer
	log  *slog.Logger

	track      media.Track
	lookaheadS float64
	behindS    float64
	autoplay   bool

	onBufferUpdate func()
	onFatal        func(error)

	mu             sync.Mutex
	queue          []media.ContainerChunk
	pendingOp      int
	pendingRemoves [][2]float64
	rejects        int
	playRequested  bool
	closed         bool
}

// NewFeeder builds a feeder bound to one buffer of the sink and hooks
// its updateend event.
func NewFeeder(s Sink, buf Buffer, opts FeederOptions) *Feeder {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	lookahead := opts.LookaheadS
	if lookahead == 0 {
		lookahead = media.MaxLookaheadS
	}
	behind := opts.BehindS
	if behind == 0 {
		behind = media.MaxBehindS
	}

	f := &Feeder{
		sink:           s,
		buf:            buf,
		log:            log.With("component", "feeder", "track", opts.Track.String()),
		track:          opts.Track,
		lookaheadS:     lookahead,
		behindS:        behind,
		autoplay:       opts.Autoplay,
		onBufferUpdate: opts.OnBufferUpdate,
		onFatal:        opts.OnFatal,
	}
	buf.OnUpdateEnd(f.handleUpdateEnd)
	return f
}

// Push enqueues one chunk and pumps.
func (f *Feeder) Push(chunk media.ContainerChunk) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, chunk)
	f.mu.Unlock()
	f.pump()
}

// Kick re-evaluates the queue; called on playhead movement so a feeder
// deferred by the look-ahead cap resumes.
func (f *Feeder) Kick() {
	f.pump()
}

// QueueLen returns the number of chunks waiting for submission.
func (f *Feeder) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// RemoveWhenIdle issues Remove(start, end) immediately if the buffer is
// idle, otherwise defers it to the next updateend. Used by the audio
// switch protocol to clear ahead of the splice point.
func (f *Feeder) RemoveWhenIdle(start, end float64) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.buf.Updating() || f.pendingOp != opNone {
		f.pendingRemoves = append(f.pendingRemoves, [2]float64{start, end})
		f.mu.Unlock()
		f.log.Debug("remove deferred until updateend", "start", start, "end", end)
		return
	}
	f.pendingOp = opRemove
	f.mu.Unlock()
	f.buf.Remove(start, end)
}

// DropQueued discards every queued chunk without submitting. Used when
// the audio muxer is recreated: its unappended output is stale.
func (f *Feeder) DropQueued() {
	f.mu.Lock()
	f.queue = nil
	f.mu.Unlock()
}

// Close stops all further submissions.
func (f *Feeder) Close() {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.pendingRemoves = nil
	f.mu.Unlock()
}

func (f *Feeder) handleUpdateEnd() {
	f.mu.Lock()
	finishedAppend := f.pendingOp == opAppend
	f.pendingOp = opNone
	if finishedAppend {
		f.rejects = 0
	}
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return
	}
	if finishedAppend && f.onBufferUpdate != nil {
		f.onBufferUpdate()
	}
	f.maybeAutoplay()
	f.maybeTrim()
	f.pump()
}

// maybeAutoplay requests playback once, after the first updateend that
// leaves more than half a second buffered. A denied request is logged
// and never retried.
func (f *Feeder) maybeAutoplay() {
	if !f.autoplay {
		return
	}
	f.mu.Lock()
	requested := f.playRequested
	f.mu.Unlock()
	if requested || !f.sink.Paused() {
		return
	}
	ranges := f.buf.Buffered()
	if BufferedEnd(ranges) <= 0.5 {
		return
	}

	f.mu.Lock()
	f.playRequested = true
	f.mu.Unlock()
	if err := f.sink.Play(); err != nil {
		f.log.Warn("autoplay denied by host", "error", err)
	}
}

// maybeTrim keeps at most behindS seconds behind the playhead.
func (f *Feeder) maybeTrim() {
	threshold := f.sink.CurrentTime() - f.behindS
	if threshold <= 0 {
		return
	}
	ranges := f.buf.Buffered()
	if len(ranges) == 0 || ranges[0].Start >= threshold {
		return
	}

	f.mu.Lock()
	if f.pendingOp != opNone || f.buf.Updating() || f.closed {
		f.mu.Unlock()
		return
	}
	f.pendingOp = opRemove
	f.mu.Unlock()
	f.buf.Remove(0, threshold)
}

// pump submits at most one operation: a deferred remove first, then the
// oldest queued chunk, provided the buffer is idle and the look-ahead
// cap is respected.
func (f *Feeder) pump() {
	f.mu.Lock()
	if f.closed || f.pendingOp != opNone || f.buf.Updating() {
		f.mu.Unlock()
		return
	}

	if len(f.pendingRemoves) > 0 {
		r := f.pendingRemoves[0]
		f.pendingRemoves = f.pendingRemoves[1:]
		f.pendingOp = opRemove
		f.mu.Unlock()
		f.buf.Remove(r[0], r[1])
		return
	}

	if len(f.queue) == 0 {
		f.mu.Unlock()
		return
	}

	ahead := BufferedEnd(f.buf.Buffered()) - f.sink.CurrentTime()
	if ahead > f.lookaheadS {
		f.mu.Unlock()
		return
	}

	chunk := f.queue[0]
	f.queue = f.queue[1:]
	f.pendingOp = opAppend
	f.mu.Unlock()

	if err := f.buf.Append(chunk); err != nil {
		f.mu.Lock()
		f.pendingOp = opNone
		f.rejects++
		rejects := f.rejects
		// Keep the chunk at the head for the retry after the next
		// updateend.
		f.queue = append([]media.ContainerChunk{chunk}, f.queue...)
		fatal := rejects >= maxConsecutiveRejects
		if fatal {
			f.closed = true
			f.queue = nil
		}
		f.mu.Unlock()

		f.log.Warn("sink rejected append", "rejects", rejects, "error", err)
		if fatal && f.onFatal != nil {
			f.onFatal(media.ErrSinkRejected)
		}
	}
}
