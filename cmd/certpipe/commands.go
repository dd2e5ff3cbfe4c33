package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/djlord-it/certpipe/internal/app"
	"github.com/djlord-it/certpipe/internal/config"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "certpipe",
		Short:         "Course completion certificates: progress tracker, issuer and email dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFlag != "" {
				return os.Setenv(config.FileEnv, configFlag)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"TOML configuration file (overrides "+config.FileEnv+")")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadConfig loads and optionally validates configuration, tagging failures
// with the invalid-config exit code.
func loadConfig(validate bool) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
	}
	if validate {
		if err := config.Validate(cfg); err != nil {
			return config.Config{}, &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
		}
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "serve [tracker|issuer|dispatcher|reconciler|all]...",
		Short:     "Run pipeline roles until interrupted (default: all)",
		ValidArgs: []string{roleTracker, roleIssuer, roleDispatcher, roleReconciler, roleAll},
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseRoles(args)
			if err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}
			return runServe(cmd.Context(), cfg, selected, logger)
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			cfg.ReconcileEnabled = true
			if err := config.Validate(cfg); err != nil {
				return &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return &exitError{code: exitInvalidConfig, err: err}
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := app.New(ctx, cfg, app.WithLogger(logger))
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Reconciler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "found=%d republished=%d failed=%d\n",
				res.Found, res.Republished, res.Failed)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "certpipe version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

const (
	roleTracker    = "tracker"
	roleIssuer     = "issuer"
	roleDispatcher = "dispatcher"
	roleReconciler = "reconciler"
	roleAll        = "all"
)

type roleSet map[string]bool

func (r roleSet) String() string {
	var names []string
	for _, name := range []string{roleTracker, roleIssuer, roleDispatcher, roleReconciler} {
		if r[name] {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// all reports whether every role runs in this process.
func (r roleSet) all() bool {
	return r[roleTracker] && r[roleIssuer] && r[roleDispatcher] && r[roleReconciler]
}

func parseRoles(args []string) (roleSet, error) {
	roles := roleSet{}
	if len(args) == 0 {
		args = []string{roleAll}
	}
	for _, arg := range args {
		switch arg {
		case roleAll:
			roles[roleTracker] = true
			roles[roleIssuer] = true
			roles[roleDispatcher] = true
			roles[roleReconciler] = true
		case roleTracker, roleIssuer, roleDispatcher, roleReconciler:
			roles[arg] = true
		default:
			return nil, fmt.Errorf("unknown role %q (want tracker, issuer, dispatcher, reconciler or all)", arg)
		}
	}
	return roles, nil
}
