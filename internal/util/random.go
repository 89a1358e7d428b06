package util

import "github.com/dchest/uniuri"

// NewID returns a short random identifier for stream subscribers and
// websocket sessions.
func NewID() string {
	return uniuri.NewLen(12)
}
