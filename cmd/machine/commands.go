package machine

import "github.com/spf13/cobra"

// Actions defines machine pool operations.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
	Assign(cmd *cobra.Command, args []string) error
	Add(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "machine" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	machineCmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage pooled machines",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List machines with owner and lease",
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect MACHINE",
		Short: "Show detailed machine info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	statusCmd := &cobra.Command{
		Use:   "status MACHINE",
		Short: "Query the backend state of a machine",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Status,
	}

	assignCmd := &cobra.Command{
		Use:   "assign USER",
		Short: "Hand a free machine to a user (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Assign,
	}

	addCmd := &cobra.Command{
		Use:   "add [flags] NAME",
		Short: "Register an externally provisioned machine",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Add,
	}
	addCmd.Flags().String("addr", "", "machine address (required)")
	addCmd.Flags().String("username", "", "login username (required)")
	addCmd.Flags().String("domain", "", "login domain")
	addCmd.Flags().Int("agent-port", 0, "in-guest agent port (default from config)")
	_ = addCmd.MarkFlagRequired("addr")
	_ = addCmd.MarkFlagRequired("username")

	rmCmd := &cobra.Command{
		Use:   "rm MACHINE [MACHINE...]",
		Short: "Delete machine(s) and tear down their resources",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	machineCmd.AddCommand(
		listCmd,
		inspectCmd,
		statusCmd,
		assignCmd,
		addCmd,
		rmCmd,
	)
	return machineCmd
}
