package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ordinaut/ordinaut/internal/config"
	"github.com/ordinaut/ordinaut/internal/migrations"
	"github.com/ordinaut/ordinaut/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending schema migrations and exit. The server applies
migrations on start; this command exists for deployments that migrate
as a separate release step.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	migrateCmd.Flags().String("config", "", "Path to ordinaut.toml config file")
	migrateCmd.Flags().Bool("status", false, "Show applied migrations without applying anything")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	flags := make(map[string]string)
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		flags["database-url"] = v
	}
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("no database URL configured; pass --database-url or set ORD_DATABASE_URL")
	}

	logger, _ := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	pool, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: 2,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	runner := migrations.NewRunner(pool, logger)
	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping migrations: %w", err)
	}

	statusOnly, _ := cmd.Flags().GetBool("status")
	if statusOnly {
		applied, err := runner.GetApplied(ctx)
		if err != nil {
			return fmt.Errorf("reading applied migrations: %w", err)
		}
		if len(applied) == 0 {
			fmt.Fprintln(os.Stdout, "no migrations applied")
			return nil
		}
		for _, a := range applied {
			fmt.Fprintf(os.Stdout, "%s\t%s\n", a.Name, a.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	n, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Fprintf(os.Stdout, "applied %d migration(s)\n", n)
	return nil
}
