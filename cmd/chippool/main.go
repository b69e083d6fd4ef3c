package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/adminapi"
	"github.com/talkincode/chippool/internal/app"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/webserver"
	"go.uber.org/zap"
)

var (
	// set by -ldflags at build time
	version   = "develop"
	buildTime = "unknown"

	cfgFile string
	dropAll bool
	track   bool
)

var rootCmd = &cobra.Command{
	Use:           "chippool",
	Short:         "chippool - WhatsApp chip lifecycle and trust engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// a missing .env is not an error
		_ = godotenv.Load()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := initApp()
		if err != nil {
			return err
		}
		defer application.Release()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		adminapi.Init()
		server := webserver.NewAdminServer(application)
		application.StartBackgroundJobs(ctx)
		zap.L().Info("chippool started", zap.String("version", version))
		return server.Start(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		db, err := app.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		if dropAll {
			if err := db.Migrator().DropTable(domain.Tables...); err != nil {
				return err
			}
			fmt.Println("all tables dropped")
		}
		// Wire migrates and seeds the pool config and default jobs
		application := app.NewApplication(cfg)
		if err := application.Wire(db); err != nil {
			return err
		}
		if track {
			if err := application.MigrateDB(true); err != nil {
				return err
			}
		}
		fmt.Println("database migrated")
		return nil
	},
}

var runJobCmd = &cobra.Command{
	Use:       "run-job <task>",
	Short:     "Run one engine job immediately",
	Args:      cobra.ExactArgs(1),
	ValidArgs: domain.TaskTypes,
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := initApp()
		if err != nil {
			return err
		}
		defer application.Release()
		if err := application.RunTask(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("%s: %w (tasks: %s)", args[0], err, strings.Join(domain.TaskTypes, ", "))
		}
		fmt.Printf("%s finished\n", args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chippool %s (built %s)\n", version, buildTime)
	},
}

func initApp() (*app.Application, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		return nil, err
	}
	return application, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	migrateCmd.Flags().BoolVar(&dropAll, "drop", false, "drop all tables first")
	migrateCmd.Flags().BoolVar(&track, "track", false, "print the migration SQL")
	rootCmd.AddCommand(serveCmd, migrateCmd, runJobCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
