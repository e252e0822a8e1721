package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/camsync/pkg/camsync"
	"github.com/liliang-cn/camsync/pkg/config"
	"github.com/liliang-cn/camsync/pkg/fleet"
	"github.com/liliang-cn/camsync/pkg/logger"
	"github.com/liliang-cn/camsync/pkg/tui"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var (
	Version = "dev" // Set at build time

	configPath string
	logLevel   string
	noTUI      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "camsync",
		Short:   "Collect recorded video from a fleet of cameras",
		Version: Version,
		Long: `camsync - Move finished recordings from camera hosts to local storage over SSH

Examples:
  camsync sync
  camsync sync --hosts cam-01,cam-02 --batch-size 2
  camsync sync --transfer rsync --fail-on-error
  camsync hosts
  camsync init`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.camsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use text output")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func getInventory() (*config.Inventory, error) {
	inv, err := config.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return inv, nil
}

// getClient loads the config and applies the --log-level override.
func getClient() (*camsync.Camsync, error) {
	client, err := camsync.New(&camsync.Config{ConfigPath: configPath})
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		client.GetLogger().SetLevel(logger.ParseLogLevel(logLevel))
	}
	return client, nil
}

// syncCmd runs one collection pass over the fleet
func syncCmd() *cobra.Command {
	var (
		hosts       []string
		batchSize   int
		transfer    string
		bwLimit     int
		failOnError bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Move stable recordings from every camera to local storage",
		Example: `  camsync sync
  camsync sync --hosts cameras -b 2
  camsync sync --transfer rsync --bwlimit 4000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return err
			}
			defer client.Close()

			targets, err := client.Targets(hosts)
			if err != nil {
				return err
			}

			opts := []camsync.SyncOption{
				camsync.WithBatchSize(batchSize),
				camsync.WithTransfer(transfer),
				camsync.WithBandwidthLimit(bwLimit),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var report *fleet.Report
			if !noTUI && isatty.IsTerminal(os.Stdout.Fd()) {
				// Console log lines would tear the table.
				if out := client.Inventory().GetConfig().Log.Output; out == "" || out == "stdout" || out == "stderr" {
					client.SetLogger(logger.Discard())
				}
				report, err = runWithTUI(ctx, client, targets, opts)
			} else {
				settings := client.Inventory().Settings()
				fmt.Printf("Syncing %d host(s) from %s into %s...\n\n", len(targets), settings.RemoteSourceDir, settings.LocalStorageDir)
				report, err = client.Sync(ctx, hosts, opts...)
				if err == nil {
					err = report.WriteText(os.Stdout)
				}
			}
			if err != nil {
				return err
			}

			if failOnError && report.Failed() > 0 {
				return &exitError{code: 2, msg: fmt.Sprintf("%d host(s) failed", report.Failed())}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Hosts or groups to sync (default: target_hosts and all groups)")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 0, "Hosts synced in parallel (default: settings.batch_size)")
	cmd.Flags().StringVar(&transfer, "transfer", "", "Transfer agent: ssh or rsync (default: settings.transfer)")
	cmd.Flags().IntVar(&bwLimit, "bwlimit", 0, "rsync bandwidth limit in KiB/s")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "Exit with status 2 when any host fails")

	return cmd
}

// runWithTUI drives the live table while the fleet runs in the background.
// Quitting the table cancels the run; the report still covers every host.
func runWithTUI(ctx context.Context, client *camsync.Camsync, targets []string, opts []camsync.SyncOption) (*fleet.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewSyncModel(targets)
	program := tea.NewProgram(model, tea.WithoutSignalHandler())
	opts = append(opts, camsync.WithHooks(tui.Hooks(program)))

	type result struct {
		report *fleet.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := client.Sync(ctx, targets, opts...)
		if err == nil {
			program.Send(tui.DoneMsg{Summary: report.Summary()})
		} else {
			program.Quit()
		}
		done <- result{report, err}
	}()

	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("tui: %w", err)
	}
	if model.Interrupted() {
		cancel()
	}

	res := <-done
	if res.err != nil {
		return nil, res.err
	}
	if model.Interrupted() || ctx.Err() != nil {
		fmt.Println()
		if err := res.report.WriteText(os.Stdout); err != nil {
			return nil, err
		}
	}
	return res.report, nil
}

// hostsCmd lists the configured cameras
func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List target hosts, groups and settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := getInventory()
			if err != nil {
				return err
			}
			cfg := inv.GetConfig()

			if len(cfg.TargetHosts) > 0 {
				fmt.Println("Target Hosts:")
				for _, h := range cfg.TargetHosts {
					fmt.Printf("  - %s\n", h)
				}
				fmt.Println()
			}

			groups := inv.GetAllGroups()
			if len(groups) > 0 {
				fmt.Println("Host Groups:")
				fmt.Println()
				for name, hosts := range groups {
					fmt.Printf("  [%s]\n", name)
					for _, host := range hosts {
						fmt.Printf("    - %s\n", host)
					}
					fmt.Println()
				}
			}

			settings := inv.Settings()
			fmt.Printf("Settings:\n")
			fmt.Printf("  Remote dir: %s\n", settings.RemoteSourceDir)
			fmt.Printf("  Local dir: %s\n", settings.LocalStorageDir)
			fmt.Printf("  Batch size: %d\n", settings.BatchSize)
			fmt.Printf("  Stability: %d min\n", settings.StabilityMinutes)
			fmt.Printf("  Extension: %s\n", settings.Extension)
			fmt.Printf("  Transfer: %s\n", settings.Transfer)
			fmt.Printf("\n")
			fmt.Printf("SSH Config:\n")
			fmt.Printf("  User: %s\n", cfg.SSH.User)
			fmt.Printf("  Port: %d\n", cfg.SSH.Port)
			fmt.Printf("  Key: %s\n", cfg.SSH.KeyPath)
			fmt.Printf("  Known hosts: %s\n", cfg.SSH.KnownHostsPath)

			return nil
		},
	}
}

// initCmd writes a starter config file
func initCmd() *cobra.Command {
	var (
		hosts []string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: `  camsync init --hosts 192.168.0.21,192.168.0.22
  camsync init -c ./camsync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			path = config.ExpandPath(path)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			cfg := config.Defaults()
			for _, h := range hosts {
				if h = strings.TrimSpace(h); h != "" {
					cfg.TargetHosts = append(cfg.TargetHosts, h)
				}
			}
			if err := config.FromConfig(path, cfg).Save(); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "Initial target hosts")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of camsync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("camsync version %s\n", Version)
		},
	}
}
