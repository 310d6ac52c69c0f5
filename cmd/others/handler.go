package others

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/corral/broker"
	cmdcore "github.com/projecteru2/corral/cmd/core"
	"github.com/projecteru2/corral/lock/flock"
	"github.com/projecteru2/corral/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// runPass executes one broker pass under the host run lock, so a
// one-shot invocation never races a running serve process.
func (h Handler) runPass(cmd *cobra.Command, name string, pass func(context.Context, *broker.Broker) error) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
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
	if err := pass(ctx, b); err != nil {
		return err
	}
	log.WithFunc("cmd."+name).Infof(ctx, "%s pass completed", name)
	return nil
}

func (h Handler) Reconcile(cmd *cobra.Command, _ []string) error {
	return h.runPass(cmd, "reconcile", func(ctx context.Context, b *broker.Broker) error {
		return b.Reconcile(ctx)
	})
}

func (h Handler) Sweep(cmd *cobra.Command, _ []string) error {
	return h.runPass(cmd, "sweep", func(ctx context.Context, b *broker.Broker) error {
		return b.Sweep(ctx)
	})
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
