// Package producer fetches media segments for one source and hands them
// to the demux layer in append order: video init, audio init, then media
// segments interleaved by presentation time.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pipcast/pipcast/internal/manifest"
	"github.com/pipcast/pipcast/internal/media"
)

// Options configures a Producer.
type Options struct {
	// OnSegment is invoked for every fetched segment, in emission order.
	OnSegment func(media.SegmentRecord)
	// OnTrackEnd is invoked once per track after its last media segment.
	OnTrackEnd func(media.Track)
	// OnError is invoked when a fetch fails after its retry. The producer
	// stops scheduling that track afterwards; the other track continues.
	OnError func(error)
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	// Log overrides the default logger.
	Log *slog.Logger
}

// Producer drives segment fetching for one source. It keeps at most
// media.SegmentPrefetch unacknowledged records per track: the consumer
// calls Ack once a record has passed through the demuxer, which opens the
// window for the next fetch.
type Producer struct {
	source media.SourceID
	man    *manifest.Manifest
	log    *slog.Logger

	onSegment  func(media.SegmentRecord)
	onTrackEnd func(media.Track)
	onError    func(error)
	httpClient *http.Client

	mu      sync.Mutex
	pending map[media.Track]int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a Producer for one source's manifest.
func New(source media.SourceID, man *manifest.Manifest, opts Options) *Producer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Producer{
		source:     source,
		man:        man,
		log:        log.With("component", "producer", "source", source.String()),
		onSegment:  opts.OnSegment,
		onTrackEnd: opts.OnTrackEnd,
		onError:    opts.OnError,
		httpClient: httpClient,
		pending:    make(map[media.Track]int),
	}
}

// Start begins fetching. It is a no-op on a producer that already ran.
func (p *Producer) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop aborts in-flight fetches and waits for the fetch loop to exit.
func (p *Producer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

// Ack releases one prefetch credit for the track. Called by the consumer
// once the corresponding record has been appended and demuxed.
func (p *Producer) Ack(track media.Track) {
	p.mu.Lock()
	if p.pending[track] > 0 {
		p.pending[track]--
	}
	p.mu.Unlock()
}

func (p *Producer) hasCredit(track media.Track) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[track] < media.SegmentPrefetch
}

func (p *Producer) addPending(track media.Track) {
	p.mu.Lock()
	p.pending[track]++
	p.mu.Unlock()
}

// trackCursor walks one track's ordered media segments.
type trackCursor struct {
	track    media.Track
	segments []manifest.Segment
	next     int
	failed   bool
	ended    bool
}

func (c *trackCursor) head() (manifest.Segment, bool) {
	if c.failed || c.next >= len(c.segments) {
		return manifest.Segment{}, false
	}
	return c.segments[c.next], true
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.done)

	// Init segments first, video then audio. A failure here degrades the
	// whole source: nothing downstream can configure without them.
	for _, init := range []struct {
		track media.Track
		url   string
	}{
		{media.TrackVideo, p.man.VideoInitURL},
		{media.TrackAudio, p.man.AudioInitURL},
	} {
		bytes, err := p.fetch(ctx, init.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("init segment fetch failed", "track", init.track.String(), "error", err)
			p.fail(err)
			return
		}
		p.emit(media.SegmentRecord{Kind: media.SegmentInit, Track: init.track, Bytes: bytes})
	}

	cursors := []*trackCursor{
		{track: media.TrackVideo, segments: p.man.VideoSegments},
		{track: media.TrackAudio, segments: p.man.AudioSegments},
	}

	ticker := time.NewTicker(media.ProducerTickMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Fetch every segment that is both next-in-pts-order and inside
		// its track's prefetch window. Interleaving falls out of always
		// picking the earliest head.
		for {
			cur := p.pickNext(cursors)
			if cur == nil {
				break
			}
			seg, _ := cur.head()
			bytes, err := p.fetch(ctx, seg.URL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Error("segment fetch failed", "track", cur.track.String(), "url", seg.URL, "error", err)
				cur.failed = true
				p.fail(err)
				continue
			}
			cur.next++
			p.addPending(cur.track)
			p.emit(media.SegmentRecord{
				Kind:     media.SegmentMedia,
				Track:    cur.track,
				Bytes:    bytes,
				PTS:      seg.PTSUS,
				Duration: seg.DurationUS,
			})
			p.finishIfEnded(cur)
		}

		if allDone(cursors) {
			return
		}
	}
}

// pickNext returns the cursor whose head segment has the earliest pts
// among tracks with prefetch credit, or nil when nothing is fetchable.
func (p *Producer) pickNext(cursors []*trackCursor) *trackCursor {
	var best *trackCursor
	var bestPTS int64
	for _, c := range cursors {
		seg, ok := c.head()
		if !ok || !p.hasCredit(c.track) {
			continue
		}
		if best == nil || seg.PTSUS < bestPTS {
			best = c
			bestPTS = seg.PTSUS
		}
	}
	return best
}

func (p *Producer) finishIfEnded(c *trackCursor) {
	if c.ended || c.failed || c.next < len(c.segments) {
		return
	}
	c.ended = true
	p.log.Info("track finished", "track", c.track.String(), "segments", len(c.segments))
	if p.onTrackEnd != nil {
		p.onTrackEnd(c.track)
	}
}

func allDone(cursors []*trackCursor) bool {
	for _, c := range cursors {
		if !c.ended && !c.failed {
			return false
		}
	}
	return true
}

func (p *Producer) emit(rec media.SegmentRecord) {
	if p.onSegment != nil {
		p.onSegment(rec)
	}
}

func (p *Producer) fail(err error) {
	if p.onError != nil {
		p.onError(fmt.Errorf("%w: %s", media.ErrNetworkFailure, err))
	}
}

// fetch downloads one segment, retrying once immediately on transport
// failure. Context cancellation aborts silently.
func (p *Producer) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		bytes, err := p.fetchOnce(ctx, url)
		if err == nil {
			return bytes, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		p.log.Warn("segment fetch attempt failed", "url", url, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (p *Producer) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
