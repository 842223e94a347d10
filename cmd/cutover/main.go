package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/cutover/internal/app"
	"github.com/MrSnakeDoc/cutover/internal/version"
)

var (
	opts         app.Options
	historyLimit int

	rootCmd = &cobra.Command{
		Use:   "cutover",
		Short: "Blue-green rollout of a pm2 managed web application",
		Long: `cutover builds the application, restarts the main instance, stages and
warms the running instance, verifies it is stable and receives traffic, and
only then stops the main instance. When a check fails the main instance keeps
serving and the command to finish the cutover by hand is printed.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(opts)
			if err != nil {
				return err
			}
			_, err = a.Run()
			return err
		},
	}

	identityCmd = &cobra.Command{
		Use:   "identity",
		Short: "Serve /api/server-identity for the traffic split check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunIdentity(opts.ConfigPath)
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the deploy lock holder and the most recent rollouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunHistory(opts.ConfigPath, historyLimit)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "optional YAML config file")
	rootCmd.Flags().BoolVarP(&opts.SkipBuild, "pass-build", "P", false, "skip the build step")
	rootCmd.Flags().BoolVarP(&opts.Force, "force-stop", "F", false, "stop the main instance even when checks fail")
	rootCmd.Flags().BoolVarP(&opts.WriteLog, "log", "L", false, "write logs and phase timings to the log dir")
	rootCmd.SetVersionTemplate(version.String() + "\n")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of rollouts to show (0 for the configured history limit)")
	rootCmd.AddCommand(identityCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("❌ cutover failed: %v", err)
		os.Exit(1)
	}
}
