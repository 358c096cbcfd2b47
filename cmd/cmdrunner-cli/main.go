// Command cmdrunner-cli is a thin interactive client: it builds the same
// catalog/vendor/dispatcher stack as cmdrunnerd in-process and either runs
// one command against one device or drops into an interactive REPL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/counters"
	"github.com/gridrunner/cmdrunner/pkg/dispatcher"
	"github.com/gridrunner/cmdrunner/pkg/filebackend"
	"github.com/gridrunner/cmdrunner/pkg/options"
	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

type App struct {
	deviceDBPath string
	vendorConfig string
	username     string
	timeout      int

	disp *dispatcher.Dispatcher
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cmdrunner-cli",
	Short:         "Interactive client for the command execution service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		opts := options.Defaults()
		ctr := counters.New()
		vendors := vendorreg.NewRegistry(ctr)
		if app.vendorConfig != "" {
			if err := vendors.LoadJSONFile(app.vendorConfig); err != nil {
				return fmt.Errorf("loading vendor config: %w", err)
			}
		}
		cat := catalog.New(catalog.Options{
			Backend: filebackend.New(app.deviceDBPath),
			Vendors: vendors,
		})
		app.disp = dispatcher.New(cat, vendors, session.NewRegistry(), ctr, opts, nil)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&app.deviceDBPath, "device-db", "devices.json", "device catalog JSON file")
	rootCmd.PersistentFlags().StringVar(&app.vendorConfig, "vendor-config", "", "vendor config JSON file")
	rootCmd.PersistentFlags().StringVarP(&app.username, "user", "u", "", "device login username")
	rootCmd.PersistentFlags().IntVarP(&app.timeout, "timeout", "t", 30, "per-command timeout in seconds")

	rootCmd.AddCommand(runCmd, replCmd, versionCmd)
}

// promptPassword reads a password from the controlling terminal without
// echoing it.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return string(pw), err
}

func deviceFor(hostname string) (rpcif.Device, error) {
	d := rpcif.Device{Hostname: hostname, Username: app.username}
	if app.username != "" {
		pw, err := promptPassword()
		if err != nil {
			return rpcif.Device{}, fmt.Errorf("reading password: %w", err)
		}
		d.Password = pw
	}
	return d, nil
}

var runCmd = &cobra.Command{
	Use:   "run <device> <command>",
	Short: "Run a single command against a device and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := deviceFor(args[0])
		if err != nil {
			return err
		}
		res, err := app.disp.Run(context.Background(), args[1], device, app.timeout, app.timeout, "127.0.0.1", 0, "")
		if err != nil {
			return err
		}
		fmt.Print(res.Output)
		return nil
	},
}

var replCmd = &cobra.Command{
	Use:   "repl <device>",
	Short: "Open an interactive session against a device and run commands until EOF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := deviceFor(args[0])
		if err != nil {
			return err
		}

		handle, err := app.disp.OpenSession(context.Background(), device, rpcif.SessionData{}, "127.0.0.1", 0)
		if err != nil {
			return err
		}
		defer app.disp.CloseSession(context.Background(), *handle)

		fmt.Fprintf(os.Stderr, "connected to %s, ^D to exit\n", args[0])
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprintf(os.Stderr, "%s> ", args[0])
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			res, err := app.disp.RunSession(context.Background(), *handle, line, app.timeout, "")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Print(res.Output)
		}
		return scanner.Err()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildVersion)
		return nil
	},
}

var buildVersion = "dev"
