package manifest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		VideoInitURL: "video/init.mp4",
		AudioInitURL: "audio/init.mp4",
		AudioCodec:   "mp4a.40.2",
		VideoSegments: []Segment{
			{URL: "video/0.m4s", PTSUS: 0, DurationUS: 2_000_000},
			{URL: "video/1.m4s", PTSUS: 2_000_000, DurationUS: 2_000_000},
		},
		AudioSegments: []Segment{
			{URL: "audio/0.m4s", PTSUS: 0, DurationUS: 2_000_000},
		},
	}
}

func TestManifest_Validate(t *testing.T) {
	require.NoError(t, validManifest().Validate())

	t.Run("missing init", func(t *testing.T) {
		m := validManifest()
		m.AudioInitURL = ""
		assert.Error(t, m.Validate())
	})

	t.Run("pts out of order", func(t *testing.T) {
		m := validManifest()
		m.VideoSegments[1].PTSUS = -1
		assert.Error(t, m.Validate())
	})

	t.Run("missing segment url", func(t *testing.T) {
		m := validManifest()
		m.AudioSegments[0].URL = ""
		assert.Error(t, m.Validate())
	})
}

func TestManifest_ResolveURLs(t *testing.T) {
	m := validManifest()
	require.NoError(t, m.ResolveURLs("https://cdn.example.com/streams/a/manifest.json"))

	assert.Equal(t, "https://cdn.example.com/streams/a/video/init.mp4", m.VideoInitURL)
	assert.Equal(t, "https://cdn.example.com/streams/a/video/1.m4s", m.VideoSegments[1].URL)

	// Absolute URLs pass through untouched.
	m2 := validManifest()
	m2.VideoInitURL = "https://other.example.com/init.mp4"
	require.NoError(t, m2.ResolveURLs("https://cdn.example.com/streams/a/manifest.json"))
	assert.Equal(t, "https://other.example.com/init.mp4", m2.VideoInitURL)
}

func TestLoader_Load(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(validManifest())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m, err := NewLoader().Load(context.Background(), srv.URL+"/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/video/init.mp4", m.VideoInitURL)
	assert.Len(t, m.VideoSegments, 2)
}

func TestLoader_RejectsInvalid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bad.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"video_init_url": ""}`))
	})
	mux.HandleFunc("/notjson", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	loader := NewLoader()
	_, err := loader.Load(context.Background(), srv.URL+"/bad.json")
	assert.Error(t, err)
	_, err = loader.Load(context.Background(), srv.URL+"/notjson")
	assert.Error(t, err)
	_, err = loader.Load(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
