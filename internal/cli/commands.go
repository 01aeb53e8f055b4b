package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewCommands creates the ctl command tree for controlling a running daemon.
func NewCommands() *cobra.Command {
	var apiURL string
	var apiToken string

	root := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running nexusd",
	}
	root.PersistentFlags().StringVar(&apiURL, "api", "http://127.0.0.1:8787", "API base URL")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "API authentication token")

	client := func() *APIClient { return NewAPIClient(apiURL, apiToken) }

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().GetStatus()
			if err != nil {
				return err
			}
			fmt.Printf("Version: %s\n\n", st.Version)
			w := newTabWriter()
			fmt.Fprintln(w, "TUNNEL\tSTATE\tDEMAND\tLAST ERROR")
			for _, t := range st.Tunnels {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.TunnelID, t.State, t.Demand, t.LastError)
			}
			return w.Flush()
		},
	})

	root.AddCommand(newTunnelCommands(client))
	root.AddCommand(newRuleCommands(client))
	root.AddCommand(newRouteCommands(client))

	root.AddCommand(&cobra.Command{
		Use:   "autosetup",
		Short: "Run a provisioning pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().AutoSetup()
			if err != nil {
				return err
			}
			fmt.Printf("Region %s: %d created, %d updated, %d deleted, %d unchanged, %d skipped\n",
				res.Region, res.Created, res.Updated, res.Deleted, res.Unchanged, res.Skipped)
			return nil
		},
	})

	return root
}

func newTunnelCommands(client func() *APIClient) *cobra.Command {
	tunnelCmd := &cobra.Command{
		Use:   "tunnels",
		Short: "Manage tunnel configs",
	}

	tunnelCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tunnel configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			tunnels, err := client().ListTunnels()
			if err != nil {
				return err
			}
			w := newTabWriter()
			fmt.Fprintln(w, "ID\tNAME\tREGION\tTEMPLATE\tSTATE")
			for _, t := range tunnels {
				state := "-"
				if t.Status != nil {
					state = t.Status.State.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.RegionID, t.TemplateID, state)
			}
			return w.Flush()
		},
	})

	var templateID string
	addCmd := &cobra.Command{
		Use:   "add <name> <region>",
		Short: "Add a tunnel config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client().CreateTunnel(args[0], args[1], templateID)
			if err != nil {
				return err
			}
			fmt.Printf("Created tunnel %s (%s, %s)\n", cfg.ID, cfg.RegionID, cfg.TemplateID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&templateID, "template", "", "backend template (openvpn, wireguard)")
	tunnelCmd.AddCommand(addCmd)

	tunnelCmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a tunnel config and its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().DeleteTunnel(args[0])
		},
	})

	return tunnelCmd
}

func newRuleCommands(client func() *APIClient) *cobra.Command {
	ruleCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-app routing rules",
	}

	ruleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List routing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := client().ListRules()
			if err != nil {
				return err
			}
			w := newTabWriter()
			fmt.Fprintln(w, "PACKAGE\tTUNNEL")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\n", r.PackageName, r.TunnelConfigID)
			}
			return w.Flush()
		},
	})

	ruleCmd.AddCommand(&cobra.Command{
		Use:   "set <package> <tunnel-id>",
		Short: "Route a package through a tunnel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().SetRule(args[0], args[1])
		},
	})

	ruleCmd.AddCommand(&cobra.Command{
		Use:   "rm <package>",
		Short: "Remove a package's rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().DeleteRule(args[0])
		},
	})

	return ruleCmd
}

func newRouteCommands(client func() *APIClient) *cobra.Command {
	routeCmd := &cobra.Command{
		Use:   "route <package>",
		Short: "Resolve a package's route, connecting its tunnel if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Route(args[0])
			if err != nil {
				return err
			}
			if res.Direct {
				fmt.Printf("%s: direct\n", args[0])
				return nil
			}
			fmt.Printf("%s: tunnel %s", args[0], res.TunnelID)
			if res.Status != nil {
				fmt.Printf(" (%s)", res.Status.State)
			}
			fmt.Println()
			return nil
		},
	}

	routeCmd.AddCommand(&cobra.Command{
		Use:   "release <package>",
		Short: "Drop a package's route demand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().ReleaseRoute(args[0])
		},
	})

	return routeCmd
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}
