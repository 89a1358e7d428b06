package compose

import (
	"context"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipcast/pipcast/internal/codec/codectest"
	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/sink"
)

var (
	frameFillA = color.RGBA{R: 0x20, G: 0x60, B: 0xc0, A: 0xff}
	frameFillB = color.RGBA{R: 0xc0, G: 0x40, B: 0x20, A: 0xff}
)

// fakeClock advances only when the compositor sleeps, so tests run at
// full speed while preserving the tick cadence logic.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowUS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now += d.Microseconds()
	c.mu.Unlock()
}

type fixture struct {
	comp     *Compositor
	inputs   [2]*Input
	harness  *codectest.Harness
	videoEnc *codectest.VideoEncoder
	audioEnc *codectest.AudioEncoder
	memSink  *sink.MemorySink
	active   chan media.SourceID

	runErr chan error
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		harness: codectest.NewHarness(),
		memSink: sink.NewMemorySink(),
		active:  make(chan media.SourceID, 8),
		runErr:  make(chan error, 1),
	}
	f.inputs = [2]*Input{NewInput(media.SourceA), NewInput(media.SourceB)}
	f.videoEnc = codectest.NewVideoEncoder()
	f.audioEnc = codectest.NewAudioEncoder()

	videoFeeder := sink.NewFeeder(f.memSink, f.memSink.VideoBuffer(), sink.FeederOptions{Track: media.TrackVideo})
	audioFeeder := sink.NewFeeder(f.memSink, f.memSink.AudioBuffer(), sink.FeederOptions{Track: media.TrackAudio})

	comp, err := New(Options{
		Clock:        &fakeClock{},
		Inputs:       f.inputs,
		VideoEncoder: f.videoEnc,
		AudioEncoder: f.audioEnc,
		Sink:         f.memSink,
		VideoFeeder:  videoFeeder,
		AudioFeeder:  audioFeeder,
		OnActiveChanged: func(id media.SourceID) {
			f.active <- id
		},
	})
	require.NoError(t, err)
	f.comp = comp
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- f.comp.Run(ctx) }()
	t.Cleanup(cancel)
}

func (f *fixture) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("compositor did not finish")
		return nil
	}
}

// pushVideo blocks until the bounded queue accepts the frame.
func pushVideo(t *testing.T, in *Input, f *media.RawVideoFrame) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !in.Video.TryPush(f) {
		if time.Now().After(deadline) {
			t.Fatal("video queue never drained")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCompositor_FrameGridAndKeyframes(t *testing.T) {
	f := newFixture(t)

	const frames = 160
	tr := f.harness.Tracker

	go func() {
		for i := 0; i < frames; i++ {
			fa := tr.NewVideoFrame(64, 48, int64(i)*media.FramePeriodUS, frameFillA)
			fb := tr.NewVideoFrame(64, 48, int64(i)*media.FramePeriodUS, frameFillB)
			pushVideo(t, f.inputs[0], fa)
			pushVideo(t, f.inputs[1], fb)
		}
		f.inputs[0].MarkVideoDone()
		f.inputs[1].MarkVideoDone()
	}()

	f.run(t)
	require.NoError(t, f.waitDone(t))

	stats := f.comp.Snapshot()
	assert.Equal(t, int64(frames), stats.FramesComposited)
	assert.Equal(t, int64(0), stats.FramesDropped)

	// Encoded PTS follows frame_index × 1_000_000 / 30 exactly.
	pts := f.videoEnc.PTSLog()
	require.Len(t, pts, frames)
	for i, p := range pts {
		assert.Equal(t, int64(i)*1_000_000/media.OutputFPS, p)
	}

	// Keyframes forced at the 150-frame interval.
	keys := f.videoEnc.KeyLog()
	assert.True(t, keys[0])
	assert.True(t, keys[media.KeyframeInterval])
	for i, k := range keys {
		if i != 0 && i != media.KeyframeInterval {
			assert.False(t, k, "unexpected keyframe at %d", i)
		}
	}

	// Every decoded frame was released exactly once.
	created, released := tr.VideoBalance()
	assert.Equal(t, created, released)
}

func TestCompositor_EncoderSaturationDrops(t *testing.T) {
	f := newFixture(t)
	tr := f.harness.Tracker

	// Saturate the encoder: queue depth above the limit drops frames.
	f.videoEnc.SetQueueSize(media.EncoderQueueLimit + 1)

	f.run(t)

	// Exactly 4 frames arrive while saturated; each is dropped.
	for i := 0; i < 4; i++ {
		pushVideo(t, f.inputs[0], tr.NewVideoFrame(64, 48, int64(i)*media.FramePeriodUS, frameFillA))
	}
	waitUntil(t, func() bool { return f.comp.Snapshot().FramesDropped == 4 })

	// The encoder drains; the remaining 11 frames encode.
	f.videoEnc.SetQueueSize(0)
	for i := 4; i < 15; i++ {
		pushVideo(t, f.inputs[0], tr.NewVideoFrame(64, 48, int64(i)*media.FramePeriodUS, frameFillA))
	}
	f.inputs[0].MarkVideoDone()
	f.inputs[1].MarkVideoDone()
	require.NoError(t, f.waitDone(t))

	stats := f.comp.Snapshot()
	assert.Equal(t, int64(4), stats.FramesDropped)
	assert.Equal(t, int64(11), stats.FramesComposited)

	// frame_index advances only for submitted frames: the grid has no
	// holes despite the drops.
	pts := f.videoEnc.PTSLog()
	require.Len(t, pts, 11)
	for i, p := range pts {
		assert.Equal(t, int64(i)*1_000_000/media.OutputFPS, p)
	}

	created, released := tr.VideoBalance()
	assert.Equal(t, created, released)
}

func TestCompositor_TerminatesOnBothEOF(t *testing.T) {
	f := newFixture(t)
	f.inputs[0].MarkVideoDone()
	f.inputs[1].MarkVideoDone()

	f.run(t)
	require.NoError(t, f.waitDone(t))
	assert.Equal(t, int64(0), f.comp.Snapshot().FramesComposited)
}

func TestCompositor_BackgroundEOFPromotesPip(t *testing.T) {
	f := newFixture(t)
	tr := f.harness.Tracker

	// A ends immediately; B delivers 20 more frames.
	f.inputs[0].MarkVideoDone()
	go func() {
		for i := 0; i < 20; i++ {
			pushVideo(t, f.inputs[1], tr.NewVideoFrame(64, 48, int64(i)*media.FramePeriodUS, frameFillB))
		}
		f.inputs[1].MarkVideoDone()
	}()

	f.run(t)
	require.NoError(t, f.waitDone(t))

	assert.Equal(t, int64(20), f.comp.Snapshot().FramesComposited)
	created, released := tr.VideoBalance()
	assert.Equal(t, created, released)
}

func TestCompositor_AudioFollowsOutputGrid(t *testing.T) {
	f := newFixture(t)
	tr := f.harness.Tracker

	for i := 0; i < 10; i++ {
		require.True(t, f.inputs[0].Audio.TryPush(tr.NewAudioFrame(int64(i)*media.AudioGrainUS, media.AudioGrainUS)))
	}
	f.inputs[0].MarkVideoDone()
	f.inputs[1].MarkVideoDone()

	f.run(t)
	require.NoError(t, f.waitDone(t))

	// Active source defaults to A: its PCM is re-stamped onto the output
	// grid starting at zero.
	pts := f.audioEnc.PTSLog()
	require.Len(t, pts, 10)
	for i, p := range pts {
		assert.Equal(t, int64(i)*media.AudioGrainUS, p)
	}

	created, released := tr.AudioBalance()
	assert.Equal(t, created, released, "every tracked PCM frame released")
}

func TestCompositor_SwitchProtocol(t *testing.T) {
	f := newFixture(t)
	tr := f.harness.Tracker

	// Sink state: playing at 3.0 s with audio buffered to 20 s.
	f.memSink.SetCurrentTime(3.0)
	f.memSink.Audio().SetBuffered([]sink.Range{{Start: 0, End: 20}})

	// Ring B holds 400 grains covering 0..8 s.
	const grains = 400
	for i := 0; i < grains; i++ {
		require.True(t, f.inputs[1].Audio.TryPush(tr.NewAudioFrame(int64(i)*media.AudioGrainUS, media.AudioGrainUS)))
	}

	f.run(t)

	// One tick ingests the PCM into ring B.
	waitUntil(t, func() bool { return f.comp.Snapshot().RingLenB == grains })

	f.comp.SetActive(media.SourceB)

	select {
	case id := <-f.active:
		assert.Equal(t, media.SourceB, id)
	case <-time.After(5 * time.Second):
		t.Fatal("no ActiveSourceChanged event")
	}

	// Splice feeds ring B from index floor(3.0 s / 20 ms) = 150.
	const startIdx = 150
	const fed = grains - startIdx
	waitUntil(t, func() bool { return len(f.audioEnc.PTSLog()) == fed })
	pts := f.audioEnc.PTSLog()
	assert.Equal(t, int64(3_100_000), pts[0], "first spliced grain lands at t_now + 100 ms")
	for i, p := range pts {
		assert.Equal(t, int64(3_100_000)+int64(i)*media.AudioGrainUS, p)
	}

	// P7: last_emitted advanced by exactly 100 ms + fed × 20 ms past t_now.
	assert.Equal(t, int64(3_000_000+100_000+fed*media.AudioGrainUS), f.comp.LastEmittedAudioPTS())

	// Both rings drained after consumption.
	waitUntil(t, func() bool {
		snap := f.comp.Snapshot()
		return snap.RingLenA == 0 && snap.RingLenB == 0
	})

	// The sink was asked to clear [3.1, 20].
	waitUntil(t, func() bool { return len(f.memSink.Audio().Removes()) == 1 })
	rm := f.memSink.Audio().Removes()[0]
	assert.InDelta(t, 3.1, rm[0], 1e-9)
	assert.InDelta(t, 20.0, rm[1], 1e-9)

	// Idempotence: switching to the already-active source emits nothing.
	f.comp.SetActive(media.SourceB)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), f.comp.Snapshot().Switches)
	select {
	case <-f.active:
		t.Fatal("duplicate ActiveSourceChanged")
	default:
	}

	f.inputs[0].MarkVideoDone()
	f.inputs[1].MarkVideoDone()
	require.NoError(t, f.waitDone(t))

	created, released := tr.AudioBalance()
	assert.Equal(t, created, released)
}

func TestCompositor_AbortReleasesEverything(t *testing.T) {
	f := newFixture(t)
	tr := f.harness.Tracker

	for i := 0; i < 5; i++ {
		require.True(t, f.inputs[0].Video.TryPush(tr.NewVideoFrame(64, 48, int64(i), frameFillA)))
		require.True(t, f.inputs[0].Audio.TryPush(tr.NewAudioFrame(int64(i)*media.AudioGrainUS, media.AudioGrainUS)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.comp.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, media.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("compositor did not stop")
	}

	assert.Equal(t, int64(0), tr.Leaked(), "all queued frames released on abort")
}
