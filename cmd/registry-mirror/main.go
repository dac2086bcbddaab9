// Command registry-mirror implements the CLI subcommands of an
// offline-capable crates/rustup mirror: pack (online downloader), unpack
// (offline extractor), and serve (HTTP router).
package main

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "registry-mirror",
	Short: "Offline-capable mirror and publication registry for crates and rustup",
}

func init() {
	// RUST_LOG is the environment variable callers of this system already
	// expect to control verbosity; this mirror honors its presence without
	// implementing the full env-filter grammar, since nothing here emits
	// more than one level of diagnostic detail.
	if lvl := strings.ToLower(os.Getenv("RUST_LOG")); strings.Contains(lvl, "debug") || strings.Contains(lvl, "trace") {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	rootCmd.AddCommand(packCmd, unpackCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
