package serve

import "github.com/spf13/cobra"

// Actions defines the long-running broker service.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Commands builds the serve command set.
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool broker with its HTTP API",
		RunE:  h.Serve,
	}
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	return []*cobra.Command{serveCmd}
}
