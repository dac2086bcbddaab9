package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cratesmirror/registry/internal/httpapi"
	"github.com/cratesmirror/registry/internal/publish"
	"github.com/cratesmirror/registry/internal/registryroot"
	"github.com/cratesmirror/registry/internal/toolchainstore"
	"github.com/cratesmirror/registry/pkg/registry/index"
)

var (
	serveRootRegistry string
	serverAddr        string
	serverPort        int
	thresholdBytes    int64
	commitAuthor      string
	commitEmail       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the toolchain installer, cargo index, and publish protocols over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveRootRegistry == "" {
			return errors.New("--root-registry is required")
		}
		addr, err := resolveAddr(serverAddr, serverPort)
		if err != nil {
			return err
		}

		root, err := registryroot.Open(serveRootRegistry)
		if err != nil {
			return errors.Wrap(err, "opening registry root")
		}
		idx, err := index.Open(root.Index, index.Config{
			Author:          commitAuthor,
			Email:           commitEmail,
			DownloadBaseURL: fmt.Sprintf("http://%s/api/v1/crates", addr),
			APIBaseURL:      fmt.Sprintf("http://%s", addr),
		})
		if err != nil {
			return errors.Wrap(err, "opening index repository")
		}
		pub := publish.New(root.Crates, idx, thresholdBytes)
		store := toolchainstore.New(root.Dist, root.Rustup)
		handler := httpapi.New(idx, root.Crates, pub, store)

		srv := &http.Server{Addr: addr, Handler: handler}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Printf("serve: listening on %s, root %s", addr, serveRootRegistry)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serving HTTP")
			}
			return nil
		case <-ctx.Done():
			log.Println("serve: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

// resolveAddr combines --server-addr and --port into a single listen
// address: an explicit --port overrides any port embedded in
// --server-addr, and an addr with no port at all requires --port.
func resolveAddr(addr string, port int) (string, error) {
	if addr == "" {
		return "", errors.New("--server-addr is required")
	}
	host := addr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		host = addr[:i]
	}
	if port != 0 {
		return host + ":" + strconv.Itoa(port), nil
	}
	if host == addr {
		return "", errors.New("--server-addr has no port and --port was not given")
	}
	return addr, nil
}

func init() {
	serveCmd.Flags().StringVar(&serveRootRegistry, "root-registry", "", "path to the registry root")
	serveCmd.Flags().StringVar(&serverAddr, "server-addr", "", "HOST[:PORT] to listen on")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "port to listen on, overriding any port in --server-addr")
	serveCmd.Flags().Int64Var(&thresholdBytes, "threshold-bytes", publish.DefaultThresholdBytes, "crate body size above which publish spills to a temp file")
	serveCmd.Flags().StringVar(&commitAuthor, "commit-author", "", "git author name for index commits (defaults to crates-registry)")
	serveCmd.Flags().StringVar(&commitEmail, "commit-email", "", "git author email for index commits")
	serveCmd.MarkFlagRequired("root-registry")
	serveCmd.MarkFlagRequired("server-addr")
}
