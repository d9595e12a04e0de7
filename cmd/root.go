// Package cmd defines and implements the CLI commands for the osint-shield
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/app"
	"github.com/JakeFAU/osint-shield/internal/config"
	"github.com/JakeFAU/osint-shield/internal/forensic"
	"github.com/JakeFAU/osint-shield/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the part of *app.App the commands use. Tests inject their own.
type App interface {
	Run(ctx context.Context, mode app.Mode) error
	Sealer() *forensic.Sealer
	Store() store.Store
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// appFactory builds the application from the loaded configuration.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

func defaultFactory(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

// newRootCmd creates the root command. The factory runs in
// PersistentPreRunE, after the env file and config are loaded.
func newRootCmd(factory appFactory) *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "osint-shield",
		Short: "Fraud-signal intake, OSINT capture and incident response.",
		Long: `osint-shield scans suspicious URLs and citizen reports, scores the captured
content for fraud indicators, keeps an idempotent case store, seals forensic
reports and drives simulated operator enforcement.

Configuration comes from an optional YAML file and SHIELD_* environment
variables. Variables in .env files are loaded first and never override the
real environment.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loadEnvFiles(envFiles)
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env.local", ".env"}, "dotenv files to load if present")

	cmd.AddCommand(
		newRunCmd(app.ModeServe, "serve", "Run the HTTP API"),
		newRunCmd(app.ModeWorker, "worker", "Run scrape/analyze workers"),
		newRunCmd(app.ModeConsumer, "consumer", "Run the result consumer"),
		newRunCmd(app.ModeAll, "all", "Run the API, workers and consumer in one process"),
		newSealCmd(),
		newVerifyCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// loadEnvFiles loads the dotenv files that exist. Missing files are skipped.
func loadEnvFiles(paths []string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", p, err)
		}
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(defaultFactory).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "osint-shield: %v\n", err)
		os.Exit(1)
	}
}
