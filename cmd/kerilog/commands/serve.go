package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relves/kerilog/internal/storage/mailbox"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/server"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/witness"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen    string
		publicURL string
		nodeAlias string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a witness and messagebox node over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicURL == "" {
				publicURL = "http://localhost" + listen
			}
			signer, err := loadOrCreateSeed(filepath.Join(a.cfg.DataDir, "keys", nodeAlias+".seed"))
			if err != nil {
				return err
			}
			store, err := a.stores.GetStore(nodeAlias)
			if err != nil {
				return err
			}

			db := kel.NewDatabase(kel.Config{Store: store, Logger: a.logger})
			registries, err := tel.New(tel.Config{KEL: db, Store: store, Logger: a.logger})
			if err != nil {
				return err
			}
			if err := registries.Load(cmd.Context()); err != nil {
				return err
			}
			node, err := witness.NewNode(witness.NodeConfig{
				Signer:  signer,
				URL:     publicURL,
				KEL:     db,
				Store:   store,
				Mailbox: mailbox.New(store.Datastore()),
				TEL:     registries,
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}
			handler, err := server.NewHTTPHandler(node,
				server.WithKEL(db),
				server.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           handler.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "KERILOG Node Startup")
			fmt.Fprintln(out, "===================================")
			fmt.Fprintf(out, "Node EID: %s\n", node.EID())
			fmt.Fprintf(out, "Location: %s@%s\n", node.EID(), publicURL)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Endpoints:")
			fmt.Fprintf(out, "  POST %s/process\n", publicURL)
			fmt.Fprintf(out, "  POST %s/query\n", publicURL)
			fmt.Fprintf(out, "  GET  %s/oobi/{eid}/{role}\n", publicURL)
			fmt.Fprintf(out, "  GET  %s/identifiers/{prefix}/head\n", publicURL)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("server stopped", "error", err)
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&publicURL, "url", "", "URL the node is reachable at (default http://localhost<listen>)")
	cmd.Flags().StringVar(&nodeAlias, "node-alias", "node", "Local name of the node's store and key")
	return cmd
}
