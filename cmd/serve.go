package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipcast/pipcast/config"
	"github.com/pipcast/pipcast/internal/codec/codectest"
	"github.com/pipcast/pipcast/internal/player"
	"github.com/pipcast/pipcast/internal/server"
	"github.com/pipcast/pipcast/internal/sink"
	"github.com/pipcast/pipcast/internal/util"
)

var (
	serveURLA string
	serveURLB string
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline with the local HTTP shell",
	Long: `Runs the dual-source pipeline and exposes it over HTTP: live WebM
re-streams on /stream/video and /stream/audio, the host event stream on
/events (WebSocket), and control endpoints /swap and /pip.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveURLA, "a", "", "manifest URL for source A")
	serveCmd.Flags().StringVar(&serveURLB, "b", "", "manifest URL for source B")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.MarkFlagRequired("a")
	serveCmd.MarkFlagRequired("b")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := util.GetLogger()
	addr := serveAddr
	if addr == "" {
		addr = config.GetServerAddr()
	}

	harness := codectest.NewHarness()
	memSink := sink.NewMemorySink()
	srv := server.New(log)
	width, height := config.GetCanvasSize()

	p := player.New(player.Options{
		Engines:      harness.Engines(),
		Sink:         memSink,
		OnEvent:      srv.PublishEvent,
		OnVideoChunk: srv.VideoChunkTap(),
		OnAudioChunk: srv.AudioChunkTap(),
		Width:        width,
		Height:       height,
		LookaheadS:   config.GetLookaheadS(),
		BehindS:      config.GetBehindS(),
		Log:          log,
	})
	srv.Attach(p)
	defer p.Destroy()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := p.Load(ctx, serveURLA, serveURLB); err != nil {
		return err
	}

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

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
