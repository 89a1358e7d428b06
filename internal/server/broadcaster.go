package server

import (
	"sync"

	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/util"
)

// chunkBroadcaster fans muxed container chunks out to HTTP stream
// subscribers. Header chunks (no samples) are cached and replayed to
// late joiners so a mid-stream subscriber still gets a parseable WebM.
type chunkBroadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan media.ContainerChunk
	headers []media.ContainerChunk
	sawData bool
}

func newChunkBroadcaster() *chunkBroadcaster {
	return &chunkBroadcaster{subs: make(map[string]chan media.ContainerChunk)}
}

// Publish forwards a chunk to every subscriber, dropping on full buffers.
func (b *chunkBroadcaster) Publish(chunk media.ContainerChunk) {
	b.mu.Lock()
	if chunk.EndPTS == 0 && !b.sawData {
		b.headers = append(b.headers, chunk)
	} else {
		b.sawData = true
	}
	subs := make([]chan media.ContainerChunk, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- chunk:
		default:
			// Subscriber is not keeping up; drop rather than stall the
			// pipeline.
		}
	}
}

// Subscribe returns a subscriber id, its channel, and the cached header
// chunks to send first.
func (b *chunkBroadcaster) Subscribe(bufferSize int) (string, <-chan media.ContainerChunk, []media.ContainerChunk) {
	id := util.NewID()
	ch := make(chan media.ContainerChunk, bufferSize)
	b.mu.Lock()
	b.subs[id] = ch
	headers := append([]media.ContainerChunk(nil), b.headers...)
	b.mu.Unlock()
	return id, ch, headers
}

// Unsubscribe removes and closes a subscriber channel.
func (b *chunkBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}
