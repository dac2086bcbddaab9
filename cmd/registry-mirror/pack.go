package main

import (
	"context"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cratesmirror/registry/internal/safememfs"
	"github.com/cratesmirror/registry/internal/sealedarchive"
	"github.com/cratesmirror/registry/internal/toolchainfetch"
)

var (
	packFile     string
	rustVersions []string
	platforms    []string
	packSource   string
	packRate     time.Duration
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Download a curated set of toolchain releases and emit a sealed archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(rustVersions) == 0 {
			return errors.New("--rust-versions is required")
		}
		if len(platforms) == 0 {
			return errors.New("--platforms is required")
		}
		// Fetches for different versions write disjoint manifest paths but
		// the same per-platform installer paths (fetched once from one URL
		// through d's cache); they run concurrently, and only the shared
		// rate limiter inside d serialises the actual HTTP requests. The
		// in-memory trees still see writes from multiple goroutines
		// (MkdirAll racing on shared shard directories), so they're backed
		// by safememfs rather than a bare memfs.Memory.
		dist := safememfs.New()
		rustup := safememfs.New()
		d := toolchainfetch.New(packSource, packRate)
		eg, _ := errgroup.WithContext(context.Background())
		eg.SetLimit(runtime.NumCPU())
		for _, v := range rustVersions {
			v := v
			eg.Go(func() error {
				log.Printf("pack: fetching %s for %v", v, platforms)
				if err := d.FetchVersion(v, platforms, dist, rustup); err != nil {
					return errors.Wrapf(err, "fetching %s", v)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		out, err := os.Create(packFile)
		if err != nil {
			return errors.Wrap(err, "creating pack file")
		}
		defer out.Close()
		if err := sealedarchive.Seal(out, dist, rustup); err != nil {
			return errors.Wrap(err, "sealing archive")
		}
		log.Printf("pack: wrote %s", packFile)
		return nil
	},
}

func init() {
	packCmd.Flags().StringVar(&packFile, "pack-file", "", "output path for the sealed archive")
	packCmd.Flags().StringSliceVar(&rustVersions, "rust-versions", nil, "comma-separated rust versions to mirror")
	packCmd.Flags().StringSliceVar(&platforms, "platforms", nil, "comma-separated target platforms to mirror")
	packCmd.Flags().StringVar(&packSource, "source", toolchainfetch.DefaultSource, "upstream rustup distribution server")
	packCmd.Flags().DurationVar(&packRate, "rate-limit", 100*time.Millisecond, "minimum delay between upstream requests")
	packCmd.MarkFlagRequired("pack-file")
	packCmd.MarkFlagRequired("rust-versions")
	packCmd.MarkFlagRequired("platforms")
}
