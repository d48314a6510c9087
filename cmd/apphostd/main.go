// Command apphostd hosts several web applications on one listener and
// reloads them in place when their restart marker is touched.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apphost/internal/server"
	"apphost/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "apphostd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var verbosity int

	cmd := &cobra.Command{
		Use:   "apphostd",
		Short: "Multi-application host with hot reload",
		Long: `apphostd serves every configured application under its context path
and reloads an application when its restart marker (tmp/restart.txt by
default) is touched, either by restarting it in place or by rolling a
fresh instance in next to the running one.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v); err != nil {
				return err
			}
			var cfg server.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("decode config: %w", err)
			}

			stdr.SetVerbosity(verbosity)
			cfg.Logger = stdr.New(log.New(os.Stdout, "[apphost] ", log.LstdFlags|log.Lmsgprefix))

			srv, err := server.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (default is ./apphostd.yaml)")
	flags.String("address", ":3000", "address to serve applications on")
	flags.String("admin-address", protocol.DefaultAdminAddr, "admin API address, empty to disable")
	flags.String("root", "", "root of the default application (default is the working directory)")
	flags.String("apps-base", "", "directory whose subdirectories are deployed as applications")
	flags.Duration("monitor-interval", 0, "how often restart markers are checked (default 5s)")
	flags.Bool("watch", false, "also watch restart markers with fsnotify")
	flags.Bool("docker", false, "enable the docker executor")
	flags.String("audit", "", "append reload history to this JSON-lines file")
	flags.IntVarP(&verbosity, "verbose", "v", 0, "log verbosity")

	for key, flag := range map[string]string{
		"config":           "config",
		"address":          "address",
		"admin_address":    "admin-address",
		"root_dir":         "root",
		"apps_base":        "apps-base",
		"monitor_interval": "monitor-interval",
		"watch_markers":    "watch",
		"docker":           "docker",
		"audit_path":       "audit",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func loadConfig(v *viper.Viper) error {
	v.SetEnvPrefix("APPHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		return nil
	}

	// apphost.yml is the per-app descriptor, which may sit in the working
	// directory when it is the default app's root.
	v.SetConfigName("apphostd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/apphost")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
