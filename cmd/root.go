package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipcast/pipcast/internal/util"
	"github.com/pipcast/pipcast/internal/version"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "pipcast",
	Short: "Dual-source picture-in-picture restreamer",
	Long: `pipcast merges two adaptive-streaming sources into a single composited
picture-in-picture presentation with a switchable audio track, re-muxed
as streaming WebM for progressive playback.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		util.InitLogger(verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.Info()
			fmt.Printf("pipcast version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "print version information")
}
