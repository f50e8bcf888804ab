package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/matst80/wsrelay/internal/httpx"
	"github.com/matst80/wsrelay/internal/obs"
)

const envPrefix = "WSRELAY_"

// Config holds runtime configuration for the relay server.
type Config struct {
	ListenAddress  string
	Path           string
	MetricsAddress string
	LogLevel       string
	LogFile        string
	Debug          bool

	PendingTimeout         time.Duration
	PendingCleanupInterval time.Duration
	ShutdownTimeout        time.Duration

	MaxMessageBytes      int64
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessagesPerSecond int

	// ConnRate is new connections per second per remote address; 0 disables the limit.
	ConnRate       float64
	GlobalConnRate float64
	ConnBurst      int
	TrustProxy     bool
	AllowedOrigins []string

	Presence      bool
	PresenceTTL   time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func defaultConfig() Config {
	return Config{
		ListenAddress:          "127.0.0.1:3012",
		Path:                   "/",
		MetricsAddress:         ":9100",
		LogLevel:               "info",
		LogFile:                "console",
		PendingTimeout:         5 * time.Minute,
		PendingCleanupInterval: 30 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		MaxMessageBytes:        64 * 1024,
		PingInterval:           20 * time.Second,
		IdleTimeout:            60 * time.Second,
		WriteTimeout:           5 * time.Second,
		MaxMessagesPerSecond:   50,
		ConnRate:               5,
		ConnBurst:              20,
		Presence:               true,
		PresenceTTL:            10 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.PendingTimeout <= 0 {
		return errors.New("--pending-timeout must be positive")
	}
	if c.PendingCleanupInterval <= 0 {
		return errors.New("--pending-cleanup-interval must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("--max-message-bytes must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("--write-timeout must be positive")
	}
	if c.PingInterval < 0 || c.IdleTimeout < 0 {
		return errors.New("--ping-interval and --idle-timeout must not be negative")
	}
	if c.PingInterval > 0 && c.IdleTimeout > 0 && c.IdleTimeout <= c.PingInterval {
		return fmt.Errorf("--idle-timeout (%s) must exceed --ping-interval (%s)", c.IdleTimeout, c.PingInterval)
	}
	if c.ConnRate < 0 || c.GlobalConnRate < 0 {
		return errors.New("connection rates must not be negative")
	}
	for _, o := range c.AllowedOrigins {
		if !httpx.ValidOrigin(o) {
			return fmt.Errorf("invalid allowed origin %q", o)
		}
	}
	if c.Presence && c.PresenceTTL <= 0 {
		return errors.New("--presence-ttl must be positive when presence is enabled")
	}
	if c.RedisAddr != "" && !c.Presence {
		return errors.New("--redis-addr requires --presence")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("invalid redis db %d", c.RedisDB)
	}
	return nil
}

func newRootCmd() (*cobra.Command, *Config) {
	cfg := defaultConfig()
	cmd := &cobra.Command{
		Use:           "wsrelay",
		Short:         "WebSocket relay",
		Long:          "Pairs a client and an app stream under a shared relay key and forwards messages between them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), &cfg)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&cfg.ListenAddress, "listen", "l", cfg.ListenAddress, "relay listen address")
	f.StringVar(&cfg.Path, "path", cfg.Path, "HTTP path serving the WebSocket endpoint")
	f.StringVar(&cfg.MetricsAddress, "metrics", cfg.MetricsAddress, "metrics, health and dashboard listen address (empty disables)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file, or console")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	f.DurationVar(&cfg.PendingTimeout, "pending-timeout", cfg.PendingTimeout, "how long a registration waits for its partner")
	f.DurationVar(&cfg.PendingCleanupInterval, "pending-cleanup-interval", cfg.PendingCleanupInterval, "how often expired registrations are swept")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown deadline")
	f.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted frame")
	f.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keepalive ping interval (0 disables)")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections silent for this long (0 disables)")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-frame write deadline")
	f.IntVar(&cfg.MaxMessagesPerSecond, "max-messages-per-second", cfg.MaxMessagesPerSecond, "per-connection message rate (0 disables)")
	f.Float64Var(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "new connections per second per remote address (0 disables)")
	f.Float64Var(&cfg.GlobalConnRate, "global-conn-rate", cfg.GlobalConnRate, "new connections per second overall (0 disables)")
	f.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "connection rate burst")
	f.BoolVar(&cfg.TrustProxy, "trust-proxy", false, "take the remote address from X-Forwarded-For / X-Real-IP")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", nil, "allowed Origin values; empty allows any")
	f.BoolVar(&cfg.Presence, "presence", cfg.Presence, "mirror relay key presence into the key-value store")
	f.DurationVar(&cfg.PresenceTTL, "presence-ttl", cfg.PresenceTTL, "expiry of presence records")
	f.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for presence; in-memory when empty")
	f.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	f.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")

	setFlagsFromEnvVars(cmd)
	return cmd, &cfg
}

// setFlagsFromEnvVars reads WSRELAY_<FLAG> variables into flags. Command line
// flags are parsed afterwards and applied on top.
func setFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		name := flagNameToEnvVar(f.Name)
		value, present := os.LookupEnv(name)
		if !present {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			obs.Warn("config.env", obs.Fields{"flag": f.Name, "env": name, "err": err.Error()})
		}
	})
}

// flagNameToEnvVar maps max-message-bytes to WSRELAY_MAX_MESSAGE_BYTES.
func flagNameToEnvVar(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
