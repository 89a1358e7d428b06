package media

// Pipeline constants. These defaults are part of the output contract and
// must not drift: downstream sinks, the compositor cadence, and the audio
// splice grid all assume them.
const (
	// CanvasWidth and CanvasHeight are the composited output dimensions.
	CanvasWidth  = 640
	CanvasHeight = 480

	// FramePeriodUS is the compositor tick period (30 fps).
	FramePeriodUS = 33_333

	// OutputFPS is the composited frame rate.
	OutputFPS = 30

	// KeyframeInterval forces a video keyframe every N encoded frames (5 s).
	KeyframeInterval = 150

	// VideoBitrate is the re-encoded video bitrate in bits per second.
	VideoBitrate = 2_000_000

	// AudioSampleRate and AudioChannels describe the re-encoded audio.
	AudioSampleRate = 48_000
	AudioChannels   = 2
	AudioBitrate    = 128_000

	// AudioGrainUS is the re-encoded audio frame duration (20 ms).
	AudioGrainUS = 20_000

	// RingCapacity bounds each source's audio ring: 60 s at 20 ms grains.
	RingCapacity = 3000

	// MinPiPSize is the smallest PiP edge the host may set.
	MinPiPSize = 80

	// ResizeHandleSize is the edge of the PiP resize affordance square.
	ResizeHandleSize = 15

	// SegmentPrefetch bounds post-demux records queued per track before the
	// producer stops scheduling fetches.
	SegmentPrefetch = 4

	// ProducerTickMS drives segment fetch scheduling.
	ProducerTickMS = 100

	// VideoSampleBatch and AudioSampleBatch size demuxer sample deliveries.
	VideoSampleBatch = 50
	AudioSampleBatch = 100

	// DecoderQueueDepth bounds each decoder's in-flight output queue.
	DecoderQueueDepth = 10

	// EncoderQueueLimit is the in-flight depth above which the compositor
	// drops the current frame instead of submitting it.
	EncoderQueueLimit = 10

	// MaxLookaheadS caps how far the sink may be buffered past the playhead.
	MaxLookaheadS = 30.0

	// MaxBehindS is the sliding-window retention behind the playhead.
	MaxBehindS = 10.0

	// SwitchLeadUS is the gap ahead of the playhead at which a spliced
	// audio stream resumes after a source switch (100 ms).
	SwitchLeadUS = 100_000
)
