package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/avdb/internal/report"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its static command table.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	avdbCommand := command{flags: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createInitCommand(avdbCommand),
		createAddCommand(avdbCommand, &AddFlags{}),
		createImportCommand(avdbCommand, &ImportFlags{}),
		createListCommand(avdbCommand, &ListFlags{}),
		createActivateCommand(avdbCommand, &ScopeFlags{}),
		createDeactivateCommand(avdbCommand, &ScopeFlags{}),
		createScanCommand(avdbCommand, &ScanFlags{}),
		createReportCommand(avdbCommand, &ReportFlags{}),
		createServeCommand(avdbCommand, &ServeFlags{}),
		createVersionCommand(avdbCommand),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "avdb",
		Short: "AFS version tracking database",
		Long: `avdb scans public AFS servers for version information
and generates reports.

Examples:
  avdb init
  avdb import --csdb https://grand.central.org/dl/cellservdb/CellServDB
  avdb scan --nprocs 20
  avdb report -f html -o versions.html`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DSN, "dsn", "", "inventory database DSN, overrides [database].dsn")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "print more messages")
	root.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "print less messages")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return root
}

func createInitCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(cmd.Context())
		},
	}
}

func createAddCommand(c command, f *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <cell> <address>...",
		Short: "Add a cell and its database server addresses",
		Long: `Add a cell with one or more database server addresses. Each host
gets a ptserver (7002) and a vlserver (7003) node. Existing records are kept.

Examples:
  avdb add example.edu 10.0.0.1 10.0.0.2 --desc "Example University"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Add(cmd.Context(), args[0], f.Desc, args[1:])
		},
	}
	cmd.Flags().StringVar(&f.Desc, "desc", "", "cell description")
	return cmd
}

func createImportCommand(c command, f *ImportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import cells from CellServDB files",
		Long: `Import cells from one or more CellServDB files, given as paths or URLs.

Examples:
  avdb import --csdb /usr/vice/etc/CellServDB
  avdb import --csdb CellServDB.local --csdb https://grand.central.org/dl/cellservdb/CellServDB`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Import(cmd.Context(), f.Sources)
		},
	}
	cmd.Flags().StringSliceVar(&f.Sources, "csdb", nil, "url or path to CellServDB file (repeatable)")
	if err := cmd.MarkFlagRequired("csdb"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(c command, f *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the inventory as JSON")
	return cmd
}

func createActivateCommand(c command, f *ScopeFlags) *cobra.Command {
	return scopeCommand("activate", "Set activation status", f, func(cmd *cobra.Command) error {
		return c.SetActive(cmd.Context(), *f, true)
	})
}

func createDeactivateCommand(c command, f *ScopeFlags) *cobra.Command {
	return scopeCommand("deactivate", "Clear activation status", f, func(cmd *cobra.Command) error {
		return c.SetActive(cmd.Context(), *f, false)
	})
}

func scopeCommand(use, short string, f *ScopeFlags, run func(cmd *cobra.Command) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	cmd.Flags().BoolVar(&f.All, "all", false, use+" every cell")
	cmd.Flags().StringVar(&f.Cell, "cell", "", "cell name")
	cmd.MarkFlagsOneRequired("all", "cell")
	cmd.MarkFlagsMutuallyExclusive("all", "cell")
	return cmd
}

func createScanCommand(c command, f *ScanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for versions",
		Long: `Probe every eligible node once and record the versions found.
Nodes that do not answer are deactivated; nodes that answer again are
reactivated. The command fails without writing anything when the probe
mechanism (rxdebug) is unavailable.

With --api-url the scan runs on a server started with 'avdb serve'.

Examples:
  avdb scan --nprocs 20
  avdb scan --cell example.edu --api-url http://avdb.example.edu:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scan(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Nprocs, "nprocs", 0, "number of concurrent probes (default [scan].nprocs)")
	cmd.Flags().StringVar(&f.Cell, "cell", "", "scan only this cell")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "run the scan on a remote server (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Minute, "request timeout for --api-url")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification for --api-url")
	return cmd
}

func createReportCommand(c command, f *ReportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate version report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Report(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVarP(&f.Format, "format", "f", report.FormatCSV, "output format (csv, html, json, yaml)")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func createServeCommand(c command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run periodic scans",
		Long: `Serve the HTTP API (report, inventory, scan, activation, metrics).
With --every (or [server].every) a scan runs on a fixed interval.

Examples:
  avdb serve --listen :8080 --every "@every 1h"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "mount the API under this path prefix")
	cmd.Flags().StringVar(&f.Every, "every", "", `scan schedule, e.g. "@every 1h" (default [server].every)`)
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			c.Version()
		},
	}
}
