package machine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/projecteru2/corral/cmd/core"
	"github.com/projecteru2/corral/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	repo, err := cmdcore.InitRepo(conf)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck

	machines, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(machines) == 0 {
		fmt.Println("No machines found.")
		return nil
	}

	sort.Slice(machines, func(i, j int) bool { return machines[i].CreatedAt.Before(machines[j].CreatedAt) })

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDRIVER\tADDR\tOWNER\tLEASE\tCREATED")
	for _, machine := range machines {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			machine.ID,
			machine.Name,
			machine.Driver,
			machine.Addr,
			cmdcore.FormatOwner(machine),
			cmdcore.FormatExpiry(machine, now),
			machine.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	repo, err := cmdcore.InitRepo(conf)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck

	machine, err := repo.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(machine)
}

func (h Handler) Status(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	drv, err := cmdcore.InitDriver(conf)
	if err != nil {
		return err
	}
	repo, err := cmdcore.InitRepo(conf)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck

	machine, err := repo.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	status, err := drv.Status(ctx, machine)
	if err != nil {
		return fmt.Errorf("status %s: %w", machine.ID, err)
	}
	fmt.Println(status)
	return nil
}

// Assign seeds the pool first so a cold deployment can still satisfy
// the request, then claims through the broker for the exactly-once
// guarantee shared with the serve API.
func (h Handler) Assign(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	b, closeFn, err := cmdcore.InitBroker(conf)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := b.Init(ctx); err != nil {
		return err
	}
	machine, err := b.MachineForUser(ctx, args[0])
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(machine)
}

func (h Handler) Add(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	username, _ := cmd.Flags().GetString("username")
	domain, _ := cmd.Flags().GetString("domain")
	agentPort, _ := cmd.Flags().GetInt("agent-port")
	if agentPort <= 0 {
		agentPort = conf.AgentPort
	}

	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", username, addr)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	repo, err := cmdcore.InitRepo(conf)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck

	machine := &types.Machine{
		ID:        uuid.NewString(),
		Name:      args[0],
		Driver:    "manual",
		Addr:      addr,
		Username:  username,
		Password:  string(password),
		Domain:    domain,
		AgentPort: agentPort,
		CreatedAt: time.Now(),
	}
	if err := repo.Insert(ctx, machine); err != nil {
		return fmt.Errorf("add %s: %w", args[0], err)
	}
	log.WithFunc("cmd.add").Infof(ctx, "machine registered: %s (name: %s)", machine.ID, machine.Name)
	return nil
}

// RM goes through repository and driver directly instead of the broker
// so removing a machine never seeds replacements. The record is dropped
// before teardown: a failed teardown leaves an orphaned resource, never
// a phantom record.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	drv, err := cmdcore.InitDriver(conf)
	if err != nil {
		return err
	}
	repo, err := cmdcore.InitRepo(conf)
	if err != nil {
		return err
	}
	defer repo.Close() //nolint:errcheck
	logger := log.WithFunc("cmd.rm")

	var failed int
	for _, id := range args {
		machine, err := repo.Get(ctx, id)
		if err != nil {
			logger.Warnf(ctx, "rm %s: %v", id, err)
			failed++
			continue
		}
		if err := repo.Remove(ctx, id); err != nil {
			logger.Warnf(ctx, "rm %s: %v", id, err)
			failed++
			continue
		}
		if err := drv.Destroy(ctx, machine); err != nil {
			logger.Warnf(ctx, "tear down %s: %v", id, err)
			failed++
			continue
		}
		logger.Infof(ctx, "deleted machine: %s", id)
	}
	if failed > 0 {
		return fmt.Errorf("rm: %d of %d machines failed", failed, len(args))
	}
	return nil
}
