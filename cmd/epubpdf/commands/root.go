// Package commands は epubpdf の cobra コマンドを定義します。
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// flag names
const (
	flagVerbose = "verbose"
)

var verbose bool

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, flagVerbose, "v", false, "Log repair and conversion steps to stderr")

	RootCmd.AddCommand(newCheckCmd())
	RootCmd.AddCommand(newConvertCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "epubpdf",
	Short:         "epubpdf - inspect, repair and convert EPUB files",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
