// Command vpn-gateway runs the gateway dashboard and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vpn-gateway/internal/config"
	"vpn-gateway/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "vpn-gateway",
		Short:         "VPN gateway configuration and route reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API",
		RunE:  runServe,
	})

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reapply declared routes to the kernel and push them to devices",
		RunE:  runSync,
	}
	syncCmd.Flags().Bool("skip-devices", false, "only reconcile the local kernel")
	rootCmd.AddCommand(syncCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "List declared routes",
		RunE:  runRoutes,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadApp() (*server.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return server.New(cfg)
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

func runSync(cmd *cobra.Command, _ []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := app.Routes.SyncWithSystem(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report.Message)
	for _, n := range report.Extra {
		fmt.Printf("  undeclared kernel route: %s\n", n)
	}

	if skip, _ := cmd.Flags().GetBool("skip-devices"); skip {
		return nil
	}
	results, err := app.Routes.SyncDevices(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED"
			failed++
		}
		fmt.Printf("  device %s: %s (%s)\n", r.Device, status, r.Message)
	}
	if failed > 0 || len(report.Failed) > 0 {
		return fmt.Errorf("%d routes and %d devices failed to sync", len(report.Failed), failed)
	}
	return nil
}

func runRoutes(*cobra.Command, []string) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	list, err := app.Routes.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tGATEWAY\tENABLED\tDESCRIPTION")
	for _, r := range list {
		gw := r.Gateway
		switch {
		case gw != "":
		case r.AppliedGateway != "":
			gw = r.AppliedGateway + " (detected)"
		default:
			gw = "auto"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.Network, gw, r.Enabled, r.Description)
	}
	return w.Flush()
}
