// Package cmd provides the penf-capture subcommands.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/pkg/archive"
	"github.com/otherjamesbrown/penf-capture/pkg/db"
)

// dbOptions holds the flags of the db subcommands.
type dbOptions struct {
	DryRun bool
	Target string
	Yes    bool
	// Migrations replaces the embedded archive migrations when set.
	Migrations fs.FS
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *Deps) *cobra.Command {
	opts := &dbOptions{}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Archive database management commands",
		Long: `Manage the PostgreSQL schema of the meeting archive.

The migrations ship inside the binary and are tracked in the
capture_schema_migrations table. Connection settings come from the postgres
section of the configuration file (or PENF_CAPTURE_DB_* variables); the
password comes from 'penf-capture auth set postgres' or
PENF_CAPTURE_DB_PASSWORD.

Examples:
  # Show migration status
  penf-capture db status

  # Apply all pending migrations
  penf-capture db migrate

  # Preview migrations without applying
  penf-capture db migrate --dry-run`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps, opts))
	cmd.AddCommand(newDbStatusCommand(deps, opts))

	return cmd
}

// newDbMigrateCommand creates the 'db migrate' subcommand.
func newDbMigrateCommand(deps *Deps, opts *dbOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply archive migrations",
		Long: `Apply pending archive migrations.

Shows pending migrations before applying them and asks for confirmation
unless --yes is given. Each migration runs in its own transaction; if one
fails it is rolled back and no further migrations are attempted.

Flags:
  --dry-run      Show what would be applied without executing migrations
  --target       Apply migrations up to and including this version (e.g., 001)
  --yes          Apply without asking for confirmation`,
		Example: `  penf-capture db migrate
  penf-capture db migrate --dry-run
  penf-capture db migrate --target 001 --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, cmd.OutOrStdout(), cmd.InOrStdin(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "Target version to migrate to (e.g., 001)")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "Apply without asking for confirmation")

	return cmd
}

// newDbStatusCommand creates the 'db status' subcommand.
func newDbStatusCommand(deps *Deps, opts *dbOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show archive migration status",
		Long: `Show the current state of archive migrations.

Displays three categories of migrations:
  - Applied: migrations that have been applied and ship with this binary
  - Pending: migrations that have not been applied yet
  - Drift: migrations that were applied but no longer ship with this binary`,
		Example: `  penf-capture db status
  penf-capture db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps, cmd.OutOrStdout(), opts)
		},
	}
}

func (o *dbOptions) migrations() fs.FS {
	if o.Migrations != nil {
		return o.Migrations
	}
	return archive.Migrations()
}

// runDbMigrate executes the db migrate command.
func runDbMigrate(ctx context.Context, deps *Deps, out io.Writer, in io.Reader, opts *dbOptions) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	fsys := opts.migrations()
	status, err := db.GetMigrationStatus(ctx, pool, fsys)
	if err != nil {
		return fmt.Errorf("getting pending migrations: %w", err)
	}

	pending := pendingUpTo(status.Pending, opts.Target)
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(out, "Pending migrations (%d):\n", len(pending))
	for _, m := range pending {
		fmt.Fprintf(out, "  %s - %s\n", m.Version, m.Name)
	}
	fmt.Fprintln(out)

	if opts.DryRun {
		fmt.Fprintln(out, "Dry run mode: no migrations applied.")
		return nil
	}

	if !opts.Yes {
		fmt.Fprint(out, "Apply these migrations? (y/N): ")
		if !confirmed(in) {
			fmt.Fprintln(out, "Migration cancelled.")
			return nil
		}
	}

	var result *db.MigrationResult
	if opts.Target != "" {
		fmt.Fprintf(out, "Applying migrations up to version %s...\n", opts.Target)
		result, err = db.RunMigrationsToTarget(ctx, pool, fsys, opts.Target)
	} else {
		fmt.Fprintln(out, "Applying all pending migrations...")
		result, err = db.RunMigrations(ctx, pool, fsys)
	}

	if err != nil {
		fmt.Fprintf(out, "\n\033[31mMigration failed:\033[0m %v\n", err)
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintf(out, "\nSuccessfully applied before failure:\n")
			for _, v := range result.Applied {
				fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
			}
		}
		return err
	}

	fmt.Fprintln(out)
	if len(result.Applied) > 0 {
		fmt.Fprintf(out, "\033[32mSuccessfully applied %d migration(s):\033[0m\n", len(result.Applied))
		for _, v := range result.Applied {
			fmt.Fprintf(out, "  \033[32m✓\033[0m %s\n", v)
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "\033[32mMigrations completed successfully.\033[0m")
	return nil
}

// pendingUpTo drops pending migrations past target; an empty target keeps all.
func pendingUpTo(pending []db.MigrationStatusEntry, target string) []db.MigrationStatusEntry {
	if target == "" {
		return pending
	}
	var out []db.MigrationStatusEntry
	for _, m := range pending {
		out = append(out, m)
		if db.MatchesVersion(m.Version, target) {
			break
		}
	}
	return out
}

// confirmed reads one answer line and reports whether it was yes.
func confirmed(in io.Reader) bool {
	if in == nil {
		in = os.Stdin
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// runDbStatus executes the db status command.
func runDbStatus(ctx context.Context, deps *Deps, out io.Writer, opts *dbOptions) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := deps.ConnectToDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	status, err := db.GetMigrationStatus(ctx, pool, opts.migrations())
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	return WriteOutput(out, cfg.OutputFormat, status, func(w io.Writer) error {
		return outputMigrationStatusText(w, status)
	})
}

// outputMigrationStatusText formats migration status for terminal display.
func outputMigrationStatusText(w io.Writer, status *db.MigrationStatus) error {
	writeEntries := func(entries []db.MigrationStatusEntry, withApplied bool) {
		if withApplied {
			fmt.Fprintln(w, "  VERSION                    NAME                              APPLIED")
			fmt.Fprintln(w, "  -------                    ----                              -------")
		} else {
			fmt.Fprintln(w, "  VERSION                    NAME")
			fmt.Fprintln(w, "  -------                    ----")
		}
		for _, m := range entries {
			if !withApplied {
				fmt.Fprintf(w, "  %-26s %s\n", truncateString(m.Version, 26), m.Name)
				continue
			}
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "  %-26s %-33s %s\n",
				truncateString(m.Version, 26),
				truncateString(m.Name, 33),
				appliedAt)
		}
		fmt.Fprintln(w)
	}

	if len(status.Applied) > 0 {
		fmt.Fprintf(w, "\033[32mApplied Migrations (%d):\033[0m\n", len(status.Applied))
		writeEntries(status.Applied, true)
	}
	if len(status.Pending) > 0 {
		fmt.Fprintf(w, "\033[33mPending Migrations (%d):\033[0m\n", len(status.Pending))
		writeEntries(status.Pending, false)
	}
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, "\033[31mDrift (%d) - applied but not shipped:\033[0m\n", len(status.Drift))
		writeEntries(status.Drift, true)
	}

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}

	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, ", \033[31m%d drift\033[0m", len(status.Drift))
	}
	fmt.Fprintln(w)
	return nil
}
