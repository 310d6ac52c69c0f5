package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/corral/api"
	cmdcore "github.com/projecteru2/corral/cmd/core"
	"github.com/projecteru2/corral/lock/flock"
)

const shutdownTimeout = 10 * time.Second

type Handler struct {
	cmdcore.BaseHandler
}

// Serve runs the broker until the command context is cancelled. A
// run lock guarantees a single broker per host so the sweeper and
// reconciler never compete over the same pool.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.serve")

	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	runLock := flock.New(conf.RunLock())
	held, err := runLock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another broker holds %s", conf.RunLock())
	}
	defer runLock.Unlock(ctx) //nolint:errcheck

	b, closeFn, err := cmdcore.InitBroker(conf)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := b.Init(ctx); err != nil {
		return err
	}

	listen := conf.ListenAddr
	if flagListen, _ := cmd.Flags().GetString("listen"); flagListen != "" {
		listen = flagListen
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.New(b),
		ReadHeaderTimeout: 5 * time.Second, //nolint:mnd
	}

	errCh := make(chan error, 2) //nolint:mnd
	go func() {
		logger.Infof(ctx, "listening on %s (driver: %s, pool size: %d)", listen, conf.Iaas, conf.MachinePoolSize)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := b.Run(ctx); !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutting down")
	case err = <-errCh:
		logger.Warnf(ctx, "serve: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf(ctx, "shutdown http server: %v", serr)
	}
	return err
}
