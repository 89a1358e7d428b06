package player

// Host event stream. Events are delivered in occurrence order through
// the OnEvent callback and serialized as JSON by the websocket shell.

// EventType discriminates Event payloads.
type EventType string

const (
	EventBufferUpdate  EventType = "buffer_update"
	EventActiveChanged EventType = "active_source_changed"
	EventTimeUpdate    EventType = "time_update"
	EventError         EventType = "error"
)

// BufferUpdate reports both buffers' ranges after a successful append.
type BufferUpdate struct {
	VideoRanges [][2]float64 `json:"video_ranges"`
	AudioRanges [][2]float64 `json:"audio_ranges"`
}

// ActiveSourceChanged reports the new active audio source.
type ActiveSourceChanged struct {
	Source string `json:"source"`
}

// TimeUpdate reports playhead movement.
type TimeUpdate struct {
	CurrentTimeS float64 `json:"current_time_s"`
}

// ErrorEvent is a terminal failure notification.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one host notification.
type Event struct {
	Type          EventType            `json:"type"`
	Buffer        *BufferUpdate        `json:"buffer,omitempty"`
	ActiveChanged *ActiveSourceChanged `json:"active_changed,omitempty"`
	Time          *TimeUpdate          `json:"time,omitempty"`
	Err           *ErrorEvent          `json:"error,omitempty"`
}
