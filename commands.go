package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"saltshaker/api"
	"saltshaker/config"
	"saltshaker/logging"
	"saltshaker/typedef"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "saltshaker",
		Short: "Sandboxed plugin host for Slippi telemetry",
		Long: `saltshaker runs JavaScript plugins in isolated sandboxes and feeds them
live game events from Dolphin. Plugins reach the host only through the
file and telemetry bridges they were granted at install time.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+config.ConfigEnv+")")

	load := func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, logging.New(cfg.LogLevel, cmd.ErrOrStderr()), nil
	}

	root.AddCommand(
		newServeCommand(load),
		newInstallCommand(load),
		newListCommand(load),
		newRunCommand(load),
		newUninstallCommand(load),
		newConfigCommand(load),
	)
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, zerolog.Logger, error)

// withStack opens the host components for one command and always closes them.
func withStack(cmd *cobra.Command, load loader, fn func(s *stack) error) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Sandbox.DisposeTimeout.Duration)
		defer cancel()
		s.Close(ctx)
	}()
	return fn(s)
}

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [plugin-id...]",
		Short: "Run the host and the UI relay until interrupted",
		Long: `Run the plugin host and the websocket relay until SIGINT or SIGTERM.
Installed plugins named as arguments are started right away; the rest can be
started from the UI. Every active plugin is disposed on the way out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, load, func(s *stack) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				relay := api.New(api.Config{
					Bus:            s.bus,
					Plugins:        s.manager,
					Telemetry:      s.bridge,
					Ready:          s.registry.Ping,
					AllowedOrigins: s.cfg.Relay.AllowedOrigins,
					Logger:         s.logger,
				})
				go relay.Run(ctx)

				served := make(chan error, 1)
				if s.cfg.Relay.Enabled {
					go func() { served <- relay.ListenAndServe(ctx, s.cfg.Relay.Listen) }()
				}

				for _, id := range args {
					if err := s.manager.RunInstalledPlugin(ctx, id); err != nil {
						return err
					}
				}
				s.logger.Info().Str("data_dir", s.dataDir).Int("started", len(args)).Msg("host ready")

				select {
				case <-ctx.Done():
					s.logger.Info().Msg("shutting down")
					return nil
				case err := <-served:
					return err
				}
			})
		},
	}
}

func newInstallCommand(load loader) *cobra.Command {
	var (
		req         typedef.InstallRequest
		permissions []string
		resources   []string
	)
	cmd := &cobra.Command{
		Use:   "install <archive>",
		Short: "Install a plugin archive (.tgz, .tar.lz4 or .tar)",
		Example: `  saltshaker install stats-0.3.0.tgz --id slippi/stats --name Stats \
    --permission file.read \
    --resource 'settings=json:{appData}/Slippi Launcher/Settings'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req.Archive = archive
			req.Permissions = permissions
			req.Resources = req.Resources[:0]
			for _, raw := range resources {
				res, err := parseResource(raw)
				if err != nil {
					return err
				}
				req.Resources = append(req.Resources, res)
			}
			return withStack(cmd, load, func(s *stack) error {
				res, err := s.manager.InstallPlugin(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%s) at %s\n", res.Metadata.ID, res.Metadata.ContentHash, res.StoragePath)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "plugin id")
	f.StringVar(&req.Name, "name", "", "display name (defaults to the id)")
	f.StringVar(&req.Version, "version", "", "plugin version")
	f.StringVar(&req.ContentHash, "hash", "", "expected archive hash, blake3:<hex> or sha256:<hex>")
	f.StringArrayVar(&permissions, "permission", nil, "permission to grant, repeatable")
	f.StringArrayVar(&resources, "resource", nil, "resource as id=type:path-template, repeatable")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// parseResource reads "id=type:path". The type never contains a colon, the path may.
func parseResource(raw string) (typedef.Resource, error) {
	id, rest, ok := strings.Cut(raw, "=")
	if !ok || id == "" {
		return typedef.Resource{}, fmt.Errorf("resource %q: want id=type:path", raw)
	}
	typ, path, ok := strings.Cut(rest, ":")
	if !ok || typ == "" || path == "" {
		return typedef.Resource{}, fmt.Errorf("resource %q: want id=type:path", raw)
	}
	return typedef.Resource{ID: id, Type: typ, Path: path}, nil
}

func newListCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, load, func(s *stack) error {
				plugins, err := s.manager.ListInstalledPlugins(cmd.Context())
				if err != nil {
					return err
				}
				if len(plugins) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no plugins installed")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tVERSION\tINSTALLED\tENTRY")
				for _, p := range plugins {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Version, p.InstalledAt.Local().Format(time.DateTime), p.Entry)
				}
				return w.Flush()
			})
		},
	}
}

func newRunCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plugin-id>",
		Short: "Run one installed plugin until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, load, func(s *stack) error {
				if err := s.manager.RunInstalledPlugin(cmd.Context(), args[0]); err != nil {
					return err
				}
				s.logger.Info().Str("plugin", args[0]).Msg("plugin running, interrupt to stop")
				<-cmd.Context().Done()
				return nil
			})
		},
	}
}

func newUninstallCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <plugin-id>",
		Aliases: []string{"remove"},
		Short:   "Remove an installed plugin and its files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, load, func(s *stack) error {
				if err := s.manager.UninstallPlugin(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, typedef.ErrUnknownPlugin) {
						return fmt.Errorf("%s is not installed", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
				return nil
			})
		},
	}
}

func newConfigCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			return cfg.Write(cmd.OutOrStdout())
		},
	}
}
