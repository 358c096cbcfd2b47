// Command cmdrunnerd is the network-device command execution service: it
// wires the catalog, vendor registry, session engine, dispatcher and
// reaper together and serves them until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/gridrunner/cmdrunner/internal/serviceshell"
	"github.com/gridrunner/cmdrunner/pkg/audit"
	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/counters"
	"github.com/gridrunner/cmdrunner/pkg/dispatcher"
	"github.com/gridrunner/cmdrunner/pkg/filebackend"
	"github.com/gridrunner/cmdrunner/pkg/options"
	"github.com/gridrunner/cmdrunner/pkg/reaper"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// buildVersion is overridden at link time (-ldflags "-X main.buildVersion=...").
var buildVersion = "dev"

// App holds process-wide state shared across subcommands, built once in
// PersistentPreRunE.
type App struct {
	configPath     string
	vendorConfig   string
	deviceDBPath   string
	redisAddr      string
	auditLogPath   string

	opts    *options.Registry
	ctr     *counters.Registry
	vendors *vendorreg.Registry
	cat     *catalog.Catalog
	sessReg *session.Registry
	disp    *dispatcher.Dispatcher
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cmdrunnerd",
	Short:         "Network-device command execution service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}

		var err error
		app.opts, err = options.Load(app.configPath)
		if err != nil {
			return fmt.Errorf("loading options: %w", err)
		}
		if err := util.SetLogLevel(app.opts.LogLevel); err != nil {
			util.Warnf("invalid log_level %q: %v", app.opts.LogLevel, err)
		}

		app.ctr = counters.New()
		app.vendors = vendorreg.NewRegistry(app.ctr)
		if app.vendorConfig != "" {
			if err := app.vendors.LoadJSONFile(app.vendorConfig); err != nil {
				return fmt.Errorf("loading vendor config: %w", err)
			}
		}

		var redisClient *redis.Client
		if app.redisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{Addr: app.redisAddr})
		}

		app.cat = catalog.New(catalog.Options{
			Backend:              filebackend.New(app.deviceDBPath),
			Vendors:              app.vendors,
			Redis:                redisClient,
			CacheTTL:             app.opts.DeviceDBUpdateInterval,
			MaxConcurrentFetches: app.opts.MaxDefaultExecutorThreads,
		})

		app.sessReg = session.NewRegistry()
		app.disp = dispatcher.New(app.cat, app.vendors, app.sessReg, app.ctr, app.opts, nil)

		if app.auditLogPath != "" {
			trail, err := audit.OpenFileTrail(app.auditLogPath, 100*1024*1024, 5)
			if err != nil {
				util.Warnf("could not initialize the audit trail: %v", err)
			} else {
				audit.SetDefault(trail)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "process config YAML file")
	rootCmd.PersistentFlags().StringVar(&app.vendorConfig, "vendor-config", "", "vendor config JSON file")
	rootCmd.PersistentFlags().StringVar(&app.deviceDBPath, "device-db", "devices.json", "device catalog JSON file")
	rootCmd.PersistentFlags().StringVar(&app.redisAddr, "redis-addr", "", "redis address for the catalog cache tier (empty disables)")
	rootCmd.PersistentFlags().StringVar(&app.auditLogPath, "audit-log", "", "audit log JSON-lines file path (empty disables audit logging)")

	rootCmd.AddCommand(serveCmd, versionCmd, validateVendorsCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command execution service until a shutdown signal arrives",
	Long: `Run the command execution service until SIGINT or SIGTERM arrives.

Sending the process SIGHUP reloads the --vendor-config file into the live
vendor registry without restarting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := serviceshell.New(app.sessReg, app.opts.ExitMaxWait)

		registerGauges(app)

		shell.Go("vendor-reload", func(ctx context.Context) {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if app.vendorConfig == "" {
						util.Warn("cmdrunnerd: SIGHUP received but no --vendor-config to reload")
						continue
					}
					if err := app.vendors.LoadJSONFile(app.vendorConfig); err != nil {
						util.Errorf("cmdrunnerd: vendor config reload failed: %v", err)
						continue
					}
					util.WithField("path", app.vendorConfig).Info("cmdrunnerd: vendor config reloaded")
				}
			}
		})

		shell.Go("catalog-refresh", func(ctx context.Context) {
			app.cat.RunPeriodicRefresh(ctx, app.opts.DeviceDBUpdateInterval, app.opts.DeviceNameFilterRegexp())
		})

		if err := app.cat.WaitForData(shell.Context()); err == nil {
			util.WithField("devices", app.cat.Count()).Info("cmdrunnerd: device catalog loaded")
		}

		rp := reaper.New(app.sessReg, app.ctr, app.opts.SessionReapPeriod, app.opts.MaxSessionIdleTimeout, app.opts.MaxSessionLastAccess)
		shell.Go("reaper", rp.Run)

		util.WithField("port", app.opts.Port).Info("cmdrunnerd: serving")
		shell.Run()
		return nil
	},
}

// registerGauges installs the live gauges read back over getCounters: the
// current session count and the indexed device count.
func registerGauges(a *App) {
	a.ctr.Register("fbnet.command_runner.session.count",
		counters.CallableCounter{Fn: func() int64 { return int64(a.sessReg.Count()) }})
	a.ctr.Register("fbnet.command_runner.device_db.count",
		counters.CallableCounter{Fn: func() int64 { return int64(a.cat.Count()) }})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildVersion)
		return nil
	},
}

var validateVendorsCmd = &cobra.Command{
	Use:   "validate-vendors",
	Short: "Parse and compile the vendor config file without touching a running service",
	Long: `Parse and compile the vendor config file, reporting the first error found.

This runs in its own process and changes nothing; to reload the config in
a running service, send that process SIGHUP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if app.vendorConfig == "" {
			return fmt.Errorf("--vendor-config is required")
		}
		scratch := vendorreg.NewRegistry(counters.New())
		start := time.Now()
		if err := scratch.LoadJSONFile(app.vendorConfig); err != nil {
			return fmt.Errorf("validate-vendors: %w", err)
		}
		fmt.Printf("vendor config %s is valid (%s)\n", app.vendorConfig, time.Since(start))
		return nil
	},
}
