// Package main は EPUB の検査と変換をローカルで行うコマンドです。
package main

import (
	"fmt"
	"os"

	"github.com/yourusername/epub-forge/cmd/epubpdf/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
