package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratamem/stratamem/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the maintenance core and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	st.orch.Start(ctx)

	srv := server.New(st.db, st.orch, st.wd, st.idx, VersionString())
	addr := st.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "stratamem serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", st.db.Path)
		fmt.Fprintf(os.Stderr, "  backend: %s\n", st.cfg.Database.Backend)
		fmt.Fprintf(os.Stderr, "  cycle interval: %s\n", st.cfg.CycleInterval())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	// Stop taking HTTP traffic first, then drain maintenance work.
	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http shutdown: %v\n", err)
	}

	return st.orch.InitiateShutdown(st.cfg.DrainTimeout())
}
