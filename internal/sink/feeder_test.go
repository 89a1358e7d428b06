package sink

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipcast/pipcast/internal/media"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func chunkEnding(endUS int64) media.ContainerChunk {
	return media.ContainerChunk{Bytes: []byte{0xa3, 0x01, 0x02}, EndPTS: endUS}
}

func TestFeeder_AppendsSerialized(t *testing.T) {
	s := NewMemorySink()
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo})

	for i := 1; i <= 20; i++ {
		f.Push(chunkEnding(int64(i) * 100_000))
	}

	waitFor(t, func() bool { return s.Video().Appends() == 20 })
	assert.Equal(t, 0, f.QueueLen())
	assert.InDelta(t, 2.0, BufferedEnd(s.Video().Buffered()), 1e-9)
}

func TestFeeder_BufferUpdateCallback(t *testing.T) {
	s := NewMemorySink()
	updates := make(chan struct{}, 16)
	f := NewFeeder(s, s.Video(), FeederOptions{
		Track:          media.TrackVideo,
		OnBufferUpdate: func() { updates <- struct{}{} },
	})

	f.Push(chunkEnding(100_000))
	waitFor(t, func() bool { return len(updates) == 1 })
}

func TestFeeder_LookaheadCap(t *testing.T) {
	s := NewMemorySink()
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo})

	// First append lands unconditionally (nothing buffered yet).
	f.Push(chunkEnding(29_900_000))
	waitFor(t, func() bool { return s.Video().Appends() == 1 })

	// Ahead is 29.9 s < 30 s, so this still goes through; the cap is
	// checked before popping.
	f.Push(chunkEnding(31_000_000))
	waitFor(t, func() bool { return s.Video().Appends() == 2 })

	// Now ahead is 31 s > 30 s: deferred.
	f.Push(chunkEnding(33_000_000))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), s.Video().Appends())
	assert.Equal(t, 1, f.QueueLen())

	// Playhead moves, the feeder resumes.
	s.SetCurrentTime(3.0)
	f.Kick()
	waitFor(t, func() bool { return s.Video().Appends() == 3 })
}

func TestFeeder_TrimBoundary(t *testing.T) {
	s := NewMemorySink()
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo})

	f.Push(chunkEnding(12_000_000))
	waitFor(t, func() bool { return s.Video().Appends() == 1 })

	// At exactly 10.0 s the threshold is zero: no trim.
	s.SetCurrentTime(10.0)
	f.Push(chunkEnding(12_100_000))
	waitFor(t, func() bool { return s.Video().Appends() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Video().Removes())

	// At 10.001 s the minimal window [0, 0.001] is trimmed.
	s.SetCurrentTime(10.001)
	f.Push(chunkEnding(12_200_000))
	waitFor(t, func() bool { return len(s.Video().Removes()) == 1 })
	rm := s.Video().Removes()[0]
	assert.Equal(t, 0.0, rm[0])
	assert.InDelta(t, 0.001, rm[1], 1e-9)

	waitFor(t, func() bool {
		ranges := s.Video().Buffered()
		return len(ranges) > 0 && ranges[0].Start >= 0.001
	})
}

func TestFeeder_AutoplayOnce(t *testing.T) {
	s := NewMemorySink()
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo, Autoplay: true})

	require.True(t, s.Paused())

	// Below the half-second threshold: no play request.
	f.Push(chunkEnding(300_000))
	waitFor(t, func() bool { return s.Video().Appends() == 1 })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, s.PlayCalls())

	f.Push(chunkEnding(600_000))
	waitFor(t, func() bool { return !s.Paused() })
	assert.Equal(t, 1, s.PlayCalls())

	f.Push(chunkEnding(700_000))
	waitFor(t, func() bool { return s.Video().Appends() == 3 })
	assert.Equal(t, 1, s.PlayCalls())
}

func TestFeeder_AutoplayDeniedNoRetry(t *testing.T) {
	s := NewMemorySink()
	s.SetPlayDenied(true)
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo, Autoplay: true})

	f.Push(chunkEnding(600_000))
	waitFor(t, func() bool { return s.PlayCalls() == 1 })

	f.Push(chunkEnding(900_000))
	waitFor(t, func() bool { return s.Video().Appends() == 2 })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, s.PlayCalls())
	assert.True(t, s.Paused())
}

func TestFeeder_RejectedThreeTimesIsFatal(t *testing.T) {
	s := NewMemorySink()
	fatal := make(chan error, 1)
	f := NewFeeder(s, s.Video(), FeederOptions{
		Track:   media.TrackVideo,
		OnFatal: func(err error) { fatal <- err },
	})

	s.Video().FailNextAppends(fmt.Errorf("quota exceeded"), 3)

	f.Push(chunkEnding(100_000))
	f.Kick()
	f.Kick()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, media.ErrSinkRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error surfaced")
	}
	assert.Equal(t, int64(0), s.Video().Appends())
}

func TestFeeder_RejectedThenRecovered(t *testing.T) {
	s := NewMemorySink()
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo})

	s.Video().FailNextAppends(fmt.Errorf("transient"), 2)

	f.Push(chunkEnding(100_000))
	f.Kick()
	f.Kick()
	waitFor(t, func() bool { return s.Video().Appends() == 1 })
}

func TestFeeder_RemoveWhenIdleDefersDuringUpdate(t *testing.T) {
	s := NewMemorySink()
	s.Video().SetLatency(30 * time.Millisecond)
	f := NewFeeder(s, s.Video(), FeederOptions{Track: media.TrackVideo})

	f.Push(chunkEnding(5_000_000))
	waitFor(t, func() bool { return s.Video().Updating() })

	// Mid-append: the clear must be deferred, not dropped.
	f.RemoveWhenIdle(3.1, 5.0)
	assert.Empty(t, s.Video().Removes())

	waitFor(t, func() bool { return len(s.Video().Removes()) == 1 })
	rm := s.Video().Removes()[0]
	assert.InDelta(t, 3.1, rm[0], 1e-9)
	assert.InDelta(t, 5.0, rm[1], 1e-9)
}

func TestSubtractRange(t *testing.T) {
	ranges := []Range{{0, 10}}

	out := subtractRange(ranges, 2, 4)
	require.Len(t, out, 2)
	assert.Equal(t, Range{0, 2}, out[0])
	assert.Equal(t, Range{4, 10}, out[1])

	out = subtractRange(ranges, 0, 10)
	assert.Empty(t, out)

	out = subtractRange(ranges, 5, 20)
	require.Len(t, out, 1)
	assert.Equal(t, Range{0, 5}, out[0])

	out = subtractRange([]Range{{0, 1}, {2, 3}}, 0.5, 2.5)
	require.Len(t, out, 2)
	assert.Equal(t, Range{0, 0.5}, out[0])
	assert.Equal(t, Range{2.5, 3}, out[1])
}
