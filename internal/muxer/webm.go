// Package muxer wraps at-wat/ebml-go to produce streaming WebM for the
// playback sink. Video (VP8) and audio (Opus) are muxed independently
// because they feed independent sink source buffers; the audio muxer is
// additionally built to be torn down and recreated mid-stream during an
// active-source switch.
package muxer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/pipcast/pipcast/internal/media"
)

// ChunkFunc receives finished container byte runs, one per sink append.
type ChunkFunc func(media.ContainerChunk)

// chunkWriter adapts the ebml-go byte stream into ContainerChunk
// callbacks. Each Write becomes one owned chunk stamped with the highest
// block timestamp written so far.
type chunkWriter struct {
	mu      sync.Mutex
	onChunk ChunkFunc
	endPTS  func() int64
	closed  bool
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return 0, io.ErrClosedPipe
	}
	if cw.onChunk != nil && len(p) > 0 {
		var end int64
		if cw.endPTS != nil {
			end = cw.endPTS()
		}
		cw.onChunk(media.ContainerChunk{Bytes: append([]byte(nil), p...), EndPTS: end})
	}
	return len(p), nil
}

func (cw *chunkWriter) Close() error {
	cw.mu.Lock()
	cw.closed = true
	cw.mu.Unlock()
	return nil
}

// VideoMuxer streams VP8 into a WebM container. Timestamps must be
// monotonically non-decreasing.
type VideoMuxer struct {
	logger  *slog.Logger
	writer  webm.BlockWriteCloser
	chunks  *chunkWriter
	lastPTS int64
	started bool
}

// NewVideoMuxer creates the video container and emits its header chunk.
func NewVideoMuxer(width, height int, onChunk ChunkFunc, logger *slog.Logger) (*VideoMuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &VideoMuxer{
		logger: logger.With("component", "webm_video_muxer"),
	}
	m.chunks = &chunkWriter{onChunk: onChunk, endPTS: func() int64 { return m.lastPTS }}

	writers, err := webm.NewSimpleBlockWriter(m.chunks, []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333, // ~30fps in nanoseconds
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
	}, mkvcore.WithOnFatalHandler(func(err error) {
		m.logger.Warn("WebM video writer error", "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("create video webm writer: %w", err)
	}

	m.writer = writers[0]
	return m, nil
}

// WriteChunk appends one encoded VP8 frame.
func (m *VideoMuxer) WriteChunk(c media.EncodedChunk) error {
	if m.writer == nil {
		return fmt.Errorf("video muxer closed")
	}
	if m.started && c.PTS < m.lastPTS {
		return fmt.Errorf("video pts went backwards: %d after %d", c.PTS, m.lastPTS)
	}
	m.started = true
	m.lastPTS = c.PTS

	if _, err := m.writer.Write(c.IsKeyframe, c.PTS/1000, c.Bytes); err != nil {
		return fmt.Errorf("write video block: %w", err)
	}
	return nil
}

// Close finalizes the container.
func (m *VideoMuxer) Close() error {
	if m.writer == nil {
		return nil
	}
	err := m.writer.Close()
	m.writer = nil
	m.chunks.Close()
	if err != nil {
		m.logger.Warn("video writer close error", "error", err)
	}
	return err
}

// AudioMuxer streams Opus into a WebM container. Timestamps must be
// strictly increasing for the instance's lifetime; splicing a lower
// timestamp requires recreating the muxer, which starts a fresh segment
// with no timestamp history.
type AudioMuxer struct {
	logger  *slog.Logger
	writer  webm.BlockWriteCloser
	chunks  *chunkWriter
	lastPTS int64
	started bool
}

// NewAudioMuxer creates the audio container and emits its header chunk.
func NewAudioMuxer(onChunk ChunkFunc, logger *slog.Logger) (*AudioMuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &AudioMuxer{
		logger: logger.With("component", "webm_audio_muxer"),
	}
	m.chunks = &chunkWriter{onChunk: onChunk, endPTS: func() int64 { return m.lastPTS }}

	writers, err := webm.NewSimpleBlockWriter(m.chunks, []webm.TrackEntry{
		{
			Name:            "Audio",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000, // 20ms in nanoseconds
			Audio: &webm.Audio{
				SamplingFrequency: float64(media.AudioSampleRate),
				Channels:          uint64(media.AudioChannels),
			},
		},
	}, mkvcore.WithOnFatalHandler(func(err error) {
		m.logger.Warn("WebM audio writer error", "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("create audio webm writer: %w", err)
	}

	m.writer = writers[0]
	return m, nil
}

// WriteChunk appends one Opus frame. Every Opus frame is a keyframe.
func (m *AudioMuxer) WriteChunk(c media.EncodedChunk) error {
	if m.writer == nil {
		return fmt.Errorf("audio muxer closed")
	}
	if m.started && c.PTS <= m.lastPTS {
		return fmt.Errorf("audio pts not strictly increasing: %d after %d", c.PTS, m.lastPTS)
	}
	m.started = true
	m.lastPTS = c.PTS

	if _, err := m.writer.Write(true, c.PTS/1000, c.Bytes); err != nil {
		return fmt.Errorf("write audio block: %w", err)
	}
	return nil
}

// LastPTS returns the last accepted timestamp in µs, valid once started.
func (m *AudioMuxer) LastPTS() (int64, bool) {
	return m.lastPTS, m.started
}

// Discard finalizes the container without emitting further chunks. Used
// when the muxer is replaced mid-stream: its finalization bytes would be
// garbage to a sink that is about to receive a fresh header.
func (m *AudioMuxer) Discard() {
	if m.writer == nil {
		return
	}
	m.chunks.Close()
	if err := m.writer.Close(); err != nil {
		m.logger.Debug("audio writer discard", "error", err)
	}
	m.writer = nil
}

// Close finalizes the container.
func (m *AudioMuxer) Close() error {
	if m.writer == nil {
		return nil
	}
	err := m.writer.Close()
	m.writer = nil
	m.chunks.Close()
	if err != nil {
		m.logger.Warn("audio writer close error", "error", err)
	}
	return err
}
