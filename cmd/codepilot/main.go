package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moshouhot/CodePilot/internal/stub"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		var exit *stub.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// EnvFlags holds flags for the env command
type EnvFlags struct {
	Port    uint16
	NoShell bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Lines      int
	Restart    bool
	Stop       bool
}

// StubFlags holds flags for the stub-backend command
type StubFlags struct {
	Port       string
	Delay      time.Duration
	ExitCode   int
	IgnoreTerm bool
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := command{global: globalFlags}

	root.AddCommand(
		createRunCommand(cmd),
		createCheckABICommand(cmd),
		createEnvCommand(cmd, &EnvFlags{}),
		createPortCommand(cmd),
		createStatusCommand(cmd, &StatusFlags{}),
		createStubCommand(cmd, &StubFlags{}),
		createVersionCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "codepilot",
		Short: "CodePilot desktop shell and backend supervisor",
		Long: `CodePilot runs the bundled backend server on a free loopback port,
waits for it to become healthy and tears it down on quit.

Examples:
  codepilot run --config=codepilot.toml
  codepilot check-abi
  codepilot status --lines=50
  codepilot stub-backend --port=5000 --delay=2s`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the backend and keep it supervised until interrupted",
		Long: `Start the backend server, wait for its health endpoint and print the URL
to open. Ctrl-C stops the backend gracefully, force killing it after the
configured grace period.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// createCheckABICommand creates the check-abi subcommand
func createCheckABICommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "check-abi",
		Short: "Verify the bundled native module loads in this runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckABI(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// createEnvCommand creates the env subcommand
func createEnvCommand(c command, flags *EnvFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment the backend would be started with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Env(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().Uint16Var(&flags.Port, "port", 0, "port to advertise (0 allocates one)")
	cmd.Flags().BoolVar(&flags.NoShell, "no-shell", false, "skip the login shell snapshot")
	return cmd
}

// createPortCommand creates the port subcommand
func createPortCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "port",
		Short: "Allocate and print a free loopback port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Port(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running backend",
		Long: `Query the status server of a running "codepilot run". The address is
read from the user data directory unless --api-url is given.

Examples:
  codepilot status
  codepilot status --lines=100
  codepilot status --restart
  codepilot status --api-url=http://127.0.0.1:7190/api --stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status server URL (e.g. http://127.0.0.1:7190/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	cmd.Flags().IntVar(&flags.Lines, "lines", 0, "also print this many recent backend output lines")
	cmd.Flags().BoolVar(&flags.Restart, "restart", false, "restart the backend")
	cmd.Flags().BoolVar(&flags.Stop, "stop", false, "stop the backend")
	cmd.MarkFlagsMutuallyExclusive("restart", "stop")
	return cmd
}

// createStubCommand creates the stub-backend subcommand
func createStubCommand(c command, flags *StubFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub-backend",
		Short: "Run a stand-in backend that serves the health endpoint",
		Long: `Run a minimal backend honouring the PORT/HOSTNAME contract. Flags override
the PORT and STUB_* environment variables.

Examples:
  codepilot stub-backend --port=5000 --delay=2s
  codepilot stub-backend --port=5000 --exit-code=1
  codepilot stub-backend --port=5000 --ignore-sigterm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stub(cmd.Context(), cmd.Flags().Changed("exit-code"), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Port, "port", "", "port to listen on (default $PORT)")
	cmd.Flags().DurationVar(&flags.Delay, "delay", 0, "wait before listening")
	cmd.Flags().IntVar(&flags.ExitCode, "exit-code", 0, "exit immediately with this code")
	cmd.Flags().BoolVar(&flags.IgnoreTerm, "ignore-sigterm", false, "ignore SIGTERM")
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Version(cmd.OutOrStdout())
		},
	}
}
