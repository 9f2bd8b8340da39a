package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/epub"
	"github.com/yourusername/epub-forge/internal/jobs"
	"github.com/yourusername/epub-forge/internal/render"
)

const (
	flagOutput     = "output"
	flagPageSize   = "page-size"
	flagMargin     = "margin"
	flagRenderer   = "renderer"
	flagChromePath = "chrome-path"
	flagTimeout    = "timeout"
)

func newConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <file.epub>",
		Short: "Convert an EPUB to PDF synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			output, _ := flags.GetString(flagOutput)
			pageSize, _ := flags.GetString(flagPageSize)
			margin, _ := flags.GetFloat64(flagMargin)
			rendererName, _ := flags.GetString(flagRenderer)
			chromePath, _ := flags.GetString(flagChromePath)
			timeout, _ := flags.GetDuration(flagTimeout)

			input := args[0]
			if output == "" {
				output = strings.TrimSuffix(input, filepath.Ext(input)) + ".pdf"
			}
			output, err := filepath.Abs(output)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			var renderer render.Renderer
			switch rendererName {
			case "chrome":
				renderer = render.NewChromeRenderer(chromePath, timeout, "")
			case "stub":
				renderer = &render.StubRenderer{}
			default:
				return fmt.Errorf("unknown renderer: %q", rendererName)
			}

			logger := newLogger(cmd)
			scratch, err := os.MkdirTemp("", "epubpdf-convert-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(scratch)

			source, err := copyInput(input, scratch)
			if err != nil {
				return err
			}
			n := &epub.Normalizer{WorkDir: scratch, Logger: logger}
			if _, err := n.Normalize(cmd.Context(), source); err != nil {
				return err
			}

			settings := jobs.ParseSettings(pageSize, strconv.FormatFloat(margin, 'f', -1, 64))
			started := time.Now()
			result, err := convert.New(renderer, scratch, 0, logger).Convert(cmd.Context(), convert.Request{
				SourcePath: source,
				OutputPath: output,
				Options:    settings.RenderOptions(),
			}, func(stage string, percent int) {
				logger.Info("progress", slog.String("stage", stage), slog.Int("percent", percent))
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes, %d pages (%s, %.1fmm) in %s\n",
				result.OutputPath, result.Size, result.Pages, settings.PageSize, settings.MarginMM,
				time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringP(flagOutput, "o", "", "Output PDF path (default: input name with .pdf)")
	cmd.Flags().String(flagPageSize, render.PageSizeA4, "Page size: A4, Letter or Legal")
	cmd.Flags().Float64(flagMargin, jobs.DefaultMarginMM, "Page margin in millimeters (0-50)")
	cmd.Flags().String(flagRenderer, "chrome", "Renderer: chrome or stub")
	cmd.Flags().String(flagChromePath, "chromium", "Path to the Chrome/Chromium executable (empty uses the browser managed by go-rod)")
	cmd.Flags().Duration(flagTimeout, render.DefaultTimeout, "Render timeout")
	return cmd
}
