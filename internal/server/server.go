// Package server is the local HTTP shell around a running player: live
// WebM re-stream endpoints for observers, a WebSocket fan-out of the
// host event stream, and control endpoints for swapping sources and
// moving the PiP rectangle.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/player"
	"github.com/pipcast/pipcast/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, all origins accepted
	},
}

// Server exposes one Player over HTTP.
type Server struct {
	log    *slog.Logger
	player *player.Player

	video *chunkBroadcaster
	audio *chunkBroadcaster

	mu      sync.Mutex
	eventWS map[string]*websocket.Conn

	httpServer *http.Server
}

// New creates a Server. Attach the player before serving; wire the
// returned VideoChunkTap/AudioChunkTap into the player's options before
// Load.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:     log.With("component", "server"),
		video:   newChunkBroadcaster(),
		audio:   newChunkBroadcaster(),
		eventWS: make(map[string]*websocket.Conn),
	}
}

// Attach binds the player the control endpoints act on.
func (s *Server) Attach(p *player.Player) { s.player = p }

// VideoChunkTap returns the tap for player.Options.OnVideoChunk.
func (s *Server) VideoChunkTap() func(media.ContainerChunk) { return s.video.Publish }

// AudioChunkTap returns the tap for player.Options.OnAudioChunk.
func (s *Server) AudioChunkTap() func(media.ContainerChunk) { return s.audio.Publish }

// PublishEvent forwards one player event to all websocket clients. Wire
// it into player.Options.OnEvent.
func (s *Server) PublishEvent(ev player.Event) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.eventWS))
	for _, c := range s.eventWS {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(ev); err != nil {
			s.log.Debug("event write failed", "error", err)
		}
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/video", s.handleVideoStream)
	mux.HandleFunc("/stream/audio", s.handleAudioStream)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/swap", s.handleSwap)
	mux.HandleFunc("/pip", s.handlePip)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Routes()}
	s.log.Info("http shell listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts the HTTP listener down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	s.streamChunks(w, r, s.video, `video/webm; codecs="vp8"`)
}

func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	s.streamChunks(w, r, s.audio, `audio/webm; codecs="opus"`)
}

func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, b *chunkBroadcaster, contentType string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	id, ch, headers := b.Subscribe(256)
	defer b.Unsubscribe(id)
	s.log.Info("stream subscriber connected", "id", id, "type", contentType)

	for _, chunk := range headers {
		if _, err := w.Write(chunk.Bytes); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(chunk.Bytes); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := util.NewID()
	s.mu.Lock()
	s.eventWS[id] = conn
	s.mu.Unlock()
	s.log.Info("event subscriber connected", "id", id)

	defer func() {
		s.mu.Lock()
		delete(s.eventWS, id)
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain client messages until disconnect; the event stream is
	// one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.player.Swap()
	writeJSON(w, map[string]string{"active": s.player.Active().String()})
}

func (s *Server) handlePip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		X *int `json:"x"`
		Y *int `json:"y"`
		W *int `json:"w"`
		H *int `json:"h"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	geo := s.player.Geometry()
	x, y, wid, hei := geo.Get()
	if req.X != nil {
		x = *req.X
	}
	if req.Y != nil {
		y = *req.Y
	}
	if req.W != nil {
		wid = *req.W
	}
	if req.H != nil {
		hei = *req.H
	}
	geo.Set(x, y, wid, hei)
	x, y, wid, hei = geo.Get()
	writeJSON(w, map[string]int{"x": x, "y": y, "w": wid, "h": hei})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.player.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
