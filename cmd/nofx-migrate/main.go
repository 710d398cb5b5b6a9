// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nofx-migrate applies and inspects relational schema migrations.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nofx-run/orchestrator/internal/migrate"
	"github.com/nofx-run/orchestrator/internal/store/postgres"
	"github.com/nofx-run/orchestrator/internal/store/sqlite"
)

func main() {
	var (
		databaseURL   string
		migrationsDir string
	)

	root := &cobra.Command{
		Use:           "nofx-migrate",
		Short:         "Apply and inspect orchestrator schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "relational connection string")
	root.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory containing .sql migration files")

	root.AddCommand(newUpCommand(&databaseURL, &migrationsDir))
	root.AddCommand(newDownCommand(&databaseURL, &migrationsDir))
	root.AddCommand(newStatusCommand(&databaseURL, &migrationsDir))
	root.AddCommand(newCreateCommand(&migrationsDir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openRunner(databaseURL string) (*migrate.Runner, func() error, error) {
	logger := slog.Default()
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		be, err := postgres.New(postgres.Config{ConnectionString: databaseURL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return &migrate.Runner{Backend: be, Logger: logger}, be.Close, nil
	}
	be, err := sqlite.New(sqlite.Config{Path: databaseURL, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return &migrate.Runner{Backend: be, Logger: logger}, be.Close, nil
}

func newUpCommand(databaseURL, migrationsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations in prefix order",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := migrate.Load(*migrationsDir)
			if err != nil {
				return err
			}
			runner, closeBackend, err := openRunner(*databaseURL)
			if err != nil {
				return err
			}
			defer closeBackend()

			pending, err := runner.Pending(cmd.Context(), all)
			if err != nil {
				return err
			}
			for _, m := range pending {
				if err := runner.Run(cmd.Context(), m); err != nil {
					return fmt.Errorf("applying %s: %w", m.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", m.ID)
			}
			return nil
		},
	}
}

func newDownCommand(databaseURL, migrationsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "down <id>",
		Short: "Roll back a specific migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, closeBackend, err := openRunner(*databaseURL)
			if err != nil {
				return err
			}
			defer closeBackend()

			if err := runner.Rollback(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", args[0])
			return nil
		},
	}
}

func newStatusCommand(databaseURL, migrationsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := migrate.Load(*migrationsDir)
			if err != nil {
				return err
			}
			runner, closeBackend, err := openRunner(*databaseURL)
			if err != nil {
				return err
			}
			defer closeBackend()

			applied, err := runner.Applied(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := runner.Pending(cmd.Context(), all)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "applied:")
			for _, a := range applied {
				fmt.Fprintf(out, "  %s  %s  %s\n", a.ID, a.Name, a.ExecutedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out, "pending:")
			for _, m := range pending {
				fmt.Fprintf(out, "  %s  %s\n", m.ID, m.Name)
			}
			return nil
		},
	}
}

func newCreateCommand(migrationsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Write a templated migration file with a timestamped prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fileName, body := migrate.Template(args[0], time.Now())
			path := *migrationsDir + string(os.PathSeparator) + fileName
			if err := os.MkdirAll(*migrationsDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			return nil
		},
	}
}
