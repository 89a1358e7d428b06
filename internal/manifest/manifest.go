// Package manifest defines the stream descriptor the segment producer
// consumes and a loader for fetching it. The descriptor names one init
// segment and an ordered run of media segments per track; the grammar of
// richer playlist formats is resolved upstream into this shape.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Segment is one media segment entry.
type Segment struct {
	URL        string `json:"url"`
	PTSUS      int64  `json:"pts_us"`
	DurationUS int64  `json:"duration_us"`
}

// Manifest describes both tracks of one source.
type Manifest struct {
	VideoInitURL    string    `json:"video_init_url"`
	AudioInitURL    string    `json:"audio_init_url"`
	VideoSegments   []Segment `json:"video_segments"`
	AudioSegments   []Segment `json:"audio_segments"`
	AudioCodec      string    `json:"audio_codec"` // fourcc, e.g. "mp4a.40.2"
	TimescaleHintUS int64     `json:"timescale_hint_us,omitempty"`
}

// Validate checks structural requirements: both init URLs present and
// media segments in ascending pts order per track.
func (m *Manifest) Validate() error {
	if m.VideoInitURL == "" || m.AudioInitURL == "" {
		return fmt.Errorf("manifest missing init segment URL")
	}
	for _, track := range [][]Segment{m.VideoSegments, m.AudioSegments} {
		var last int64 = -1
		for i, s := range track {
			if s.URL == "" {
				return fmt.Errorf("segment %d missing url", i)
			}
			if s.PTSUS < last {
				return fmt.Errorf("segment %d pts %d out of order", i, s.PTSUS)
			}
			last = s.PTSUS
		}
	}
	return nil
}

// ResolveURLs rewrites relative segment URLs against the manifest's own URL.
func (m *Manifest) ResolveURLs(base string) error {
	b, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	resolve := func(raw string) (string, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		return b.ResolveReference(u).String(), nil
	}
	if m.VideoInitURL, err = resolve(m.VideoInitURL); err != nil {
		return err
	}
	if m.AudioInitURL, err = resolve(m.AudioInitURL); err != nil {
		return err
	}
	for _, track := range [][]Segment{m.VideoSegments, m.AudioSegments} {
		for i := range track {
			if track[i].URL, err = resolve(track[i].URL); err != nil {
				return err
			}
		}
	}
	return nil
}

// Loader fetches manifests over HTTP.
type Loader struct {
	httpClient *http.Client
}

// NewLoader returns a Loader with a bounded request timeout.
func NewLoader() *Loader {
	return &Loader{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Load fetches and decodes the manifest at url, resolving relative
// segment URLs against it.
func (l *Loader) Load(ctx context.Context, rawURL string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.ResolveURLs(rawURL); err != nil {
		return nil, fmt.Errorf("resolve manifest urls: %w", err)
	}
	return &m, nil
}
