package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

const envPrefix = "WSRELAY_"

// Config holds client runtime configuration.
type Config struct {
	Server   string
	Role     string
	Key      string
	Ping     time.Duration
	LogLevel string
	// Once disables reconnecting after the connection ends.
	Once bool
}

func (c Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server url %q must use ws or wss", c.Server)
	}
	if _, err := registerType(c.Role); err != nil {
		return err
	}
	if c.Key == "" {
		return errors.New("--key is required")
	}
	if c.Ping < 0 {
		return errors.New("--ping must not be negative")
	}
	return nil
}

func registerType(role string) (proto.Type, error) {
	switch role {
	case "client":
		return proto.TypeClientRegister, nil
	case "appstream":
		return proto.TypeAppStreamRegister, nil
	default:
		return "", fmt.Errorf("unknown role %q, want client or appstream", role)
	}
}

func newRootCmd() (*cobra.Command, *Config) {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:           "wsrelay-client",
		Short:         "Relay stdin and stdout through a wsrelay server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), *cfg)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&cfg.Server, "server", "s", "ws://127.0.0.1:3012/", "relay WebSocket url")
	f.StringVarP(&cfg.Role, "role", "r", "client", "side to register as: client or appstream")
	f.StringVarP(&cfg.Key, "key", "k", "", "shared relay key")
	f.DurationVar(&cfg.Ping, "ping", 15*time.Second, "application ping interval (0 disables)")
	f.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	f.BoolVar(&cfg.Once, "once", false, "exit instead of reconnecting when the connection ends")

	setFlagsFromEnvVars(cmd)
	return cmd, cfg
}

func setFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		value, present := os.LookupEnv(name)
		if !present {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			obs.Warn("config.env", obs.Fields{"flag": f.Name, "env": name, "err": err.Error()})
		}
	})
}
