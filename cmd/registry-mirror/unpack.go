package main

import (
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cratesmirror/registry/internal/registryroot"
	"github.com/cratesmirror/registry/internal/toolchainstore"
)

var (
	packedFile         string
	unpackRootRegistry string
)

var unpackCmd = &cobra.Command{
	Use:   "unpack",
	Short: "Extract a sealed archive into a registry root",
	RunE: func(cmd *cobra.Command, args []string) error {
		if packedFile == "" {
			return errors.New("--packed-file is required")
		}
		if unpackRootRegistry == "" {
			return errors.New("--root-registry is required")
		}
		root, err := registryroot.Open(unpackRootRegistry)
		if err != nil {
			return errors.Wrap(err, "opening registry root")
		}
		f, err := os.Open(packedFile)
		if err != nil {
			return errors.Wrap(err, "opening packed file")
		}
		defer f.Close()
		store := toolchainstore.New(root.Dist, root.Rustup)
		if err := store.InstallArchive(f); err != nil {
			return errors.Wrap(err, "installing archive")
		}
		log.Printf("unpack: installed %s into %s", packedFile, unpackRootRegistry)
		return nil
	},
}

func init() {
	unpackCmd.Flags().StringVar(&packedFile, "packed-file", "", "path to the sealed archive to extract")
	unpackCmd.Flags().StringVar(&unpackRootRegistry, "root-registry", "", "path to the registry root")
	unpackCmd.MarkFlagRequired("packed-file")
	unpackCmd.MarkFlagRequired("root-registry")
}
