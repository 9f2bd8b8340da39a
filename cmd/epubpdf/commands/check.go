package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yourusername/epub-forge/internal/epub"
)

const (
	flagInPlace  = "in-place"
	flagMaxDepth = "max-depth"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file.epub>",
		Short: "Validate an EPUB container and report the repairs it needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inPlace, err := cmd.Flags().GetBool(flagInPlace)
			if err != nil {
				return err
			}
			maxDepth, err := cmd.Flags().GetInt(flagMaxDepth)
			if err != nil {
				return err
			}

			target := args[0]
			if !inPlace {
				scratch, err := os.MkdirTemp("", "epubpdf-check-*")
				if err != nil {
					return err
				}
				defer os.RemoveAll(scratch)
				target, err = copyInput(args[0], scratch)
				if err != nil {
					return err
				}
			}

			n := &epub.Normalizer{MaxDepth: maxDepth, Logger: newLogger(cmd)}
			report, err := n.Normalize(cmd.Context(), target)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !report.Repaired() {
				fmt.Fprintf(out, "%s: valid EPUB container\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s: repaired with %v\n", args[0], report.Repairs)
			if inPlace {
				fmt.Fprintf(out, "%s: rewritten in place\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().Bool(flagInPlace, false, "Replace the input with the repaired archive")
	cmd.Flags().Int(flagMaxDepth, epub.DefaultMaxRepairDepth, "Maximum number of repair steps")
	return cmd
}

// copyInput は入力を dir にコピーし、そのパスを返します。ディレクトリは木ごとコピーします。
func copyInput(path, dir string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(path))
	if info.IsDir() {
		if err := os.CopyFS(target, os.DirFS(path)); err != nil {
			return "", fmt.Errorf("copy directory: %w", err)
		}
		return target, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return target, dst.Close()
}
