package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("canvas.width", 640)
	v.SetDefault("canvas.height", 480)
	v.SetDefault("video.bitrate", 2_000_000)
	v.SetDefault("audio.bitrate", 128_000)
	v.SetDefault("buffer.lookahead_s", 30.0)
	v.SetDefault("buffer.behind_s", 10.0)
	v.SetDefault("server.addr", ":28098")

	// Set default pipcast home directory
	v.SetDefault("pipcast.home", filepath.Join(xdg.Home, ".pipcast"))

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("server.addr", "PIPCAST_SERVER_ADDR")
	v.BindEnv("pipcast.home", "PIPCAST_HOME")
	v.BindEnv("buffer.lookahead_s", "PIPCAST_LOOKAHEAD_S")
	v.BindEnv("buffer.behind_s", "PIPCAST_BEHIND_S")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.pipcast",
		"/etc/pipcast",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// GetServerAddr returns the listen address for the local HTTP shell.
func GetServerAddr() string {
	return v.GetString("server.addr")
}

// GetHome returns the pipcast home directory.
func GetHome() string {
	return v.GetString("pipcast.home")
}

// GetCanvasSize returns the composited output dimensions.
func GetCanvasSize() (int, int) {
	return v.GetInt("canvas.width"), v.GetInt("canvas.height")
}

// GetVideoBitrate returns the re-encoded video bitrate in bits per second.
func GetVideoBitrate() int {
	return v.GetInt("video.bitrate")
}

// GetAudioBitrate returns the re-encoded audio bitrate in bits per second.
func GetAudioBitrate() int {
	return v.GetInt("audio.bitrate")
}

// GetLookaheadS returns the sink look-ahead cap in seconds.
func GetLookaheadS() float64 {
	return v.GetFloat64("buffer.lookahead_s")
}

// GetBehindS returns the sliding-window retention behind the playhead.
func GetBehindS() float64 {
	return v.GetFloat64("buffer.behind_s")
}
