package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipcast/pipcast/config"
	"github.com/pipcast/pipcast/internal/codec/codectest"
	"github.com/pipcast/pipcast/internal/media"
	"github.com/pipcast/pipcast/internal/player"
	"github.com/pipcast/pipcast/internal/sink"
	"github.com/pipcast/pipcast/internal/util"
)

var (
	playURLA      string
	playURLB      string
	playOut       string
	playSynthetic bool
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Run the dual-source pipeline to completion",
	Long: `Fetches both manifests, runs the full pipeline (demux, decode,
composite, re-encode, mux), and writes the composited video WebM to a
file. Only the synthetic codec engines are built in; real engines come
from an embedding host.`,
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVar(&playURLA, "a", "", "manifest URL for source A")
	playCmd.Flags().StringVar(&playURLB, "b", "", "manifest URL for source B")
	playCmd.Flags().StringVar(&playOut, "out", "composite.webm", "output file for the composited video stream")
	playCmd.Flags().BoolVar(&playSynthetic, "synthetic", true, "use the built-in synthetic codec engines")
	playCmd.MarkFlagRequired("a")
	playCmd.MarkFlagRequired("b")
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	log := util.GetLogger()
	if !playSynthetic {
		return fmt.Errorf("no host codec engines available; run with --synthetic")
	}

	out, err := os.Create(playOut)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	harness := codectest.NewHarness()
	memSink := sink.NewMemorySink()
	width, height := config.GetCanvasSize()

	p := player.New(player.Options{
		Engines:    harness.Engines(),
		Sink:       memSink,
		Width:      width,
		Height:     height,
		LookaheadS: config.GetLookaheadS(),
		BehindS:    config.GetBehindS(),
		OnEvent: func(ev player.Event) {
			if ev.Type == player.EventError {
				log.Error("pipeline error", "kind", ev.Err.Kind, "message", ev.Err.Message)
			}
		},
		OnVideoChunk: func(chunk media.ContainerChunk) {
			if _, err := out.Write(chunk.Bytes); err != nil {
				log.Warn("output write failed", "error", err)
			}
		},
		Log: log,
	})
	defer p.Destroy()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Load(ctx, playURLA, playURLB); err != nil {
		return err
	}

	// Advance the in-memory playhead like a playing media element would,
	// so the feeder's look-ahead and trim paths run.
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !memSink.Paused() {
					memSink.SetCurrentTime(memSink.CurrentTime() + 0.25)
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-done:
	}

	stats := p.Stats()
	log.Info("playback finished",
		"frames_composited", stats.FramesComposited,
		"frames_dropped", stats.FramesDropped,
		"audio_frames", stats.AudioFramesFed,
		"output", playOut)
	return nil
}
