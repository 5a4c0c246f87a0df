package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facetag/internal/recognition"
	"github.com/andresmejia3/facetag/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string
	serveWatch  bool
	serveSource personsSource
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept frames and tracked detections over HTTP and answer with labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the persons folder when images are added or changed")
	serveSource.register(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	addr := serveAddr
	if addr == "" {
		addr = Cfg.Server.Addr
	}

	if serveWatch && serveSource.fromDB {
		return fmt.Errorf("--watch needs a persons folder, not --from-db")
	}

	m, err := startMatcher(ctx, serveSource)
	if err != nil {
		return err
	}
	defer m.Close()

	if (serveWatch || Cfg.Matcher.Watch) && !serveSource.fromDB {
		w, err := m.Watch(ctx, serveSource.folder(), Cfg.Matcher.WatchDebounce)
		if err != nil {
			return err
		}
		defer w.Close()
		fmt.Fprintf(os.Stderr, "👀 Watching %s for new faces\n", serveSource.folder())
	}

	proc := recognition.NewProcessor(m, processorOptions(Cfg), newLogger("recognition"))
	srv := server.NewServer(proc, addr, newLogger("server"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Serving on %s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
