package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

const envPrefix = "JBOSH_"

// sharedConfig holds the connection flags every subcommand binds against,
// mirroring clientCLIConfig in sa6mwa-lockd/cmd/lockd/client_cli.go.
type sharedConfig struct {
	uri         string
	to          string
	from        string
	lang        string
	route       string
	waitSeconds int
	logLevel    string
}

const (
	keyURI         = "uri"
	keyTo          = "to"
	keyFrom        = "from"
	keyLang        = "lang"
	keyRoute       = "route"
	keyWaitSeconds = "wait-seconds"
	keyLogLevel    = "log-level"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(envPrefix+"LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "boshcli")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &sharedConfig{}

	cmd := &cobra.Command{
		Use:           "boshcli",
		Short:         "boshcli drives a BOSH (XEP-0124) session against a connection manager",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Connect, hold the session open, and wait for Ctrl-C
  boshcli connect --uri https://cm.example.com/http-bind --to example.com

  # Send one payload on a fresh session and print the response
  boshcli send --uri https://cm.example.com/http-bind --to example.com --xml '<ping xmlns="urn:xmpp:ping"/>'

  # Serve coordinator metrics over Prometheus while connected
  boshcli metrics --uri https://cm.example.com/http-bind --to example.com --listen :9109
`,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringVar(&cfg.uri, keyURI, "", "connection manager endpoint (required)")
	persistent.StringVar(&cfg.to, keyTo, "", "target domain advertised in the \"to\" attribute (required)")
	persistent.StringVar(&cfg.from, keyFrom, "", "optional \"from\" attribute")
	persistent.StringVar(&cfg.lang, keyLang, "en", "\"xml:lang\" attribute")
	persistent.StringVar(&cfg.route, keyRoute, "", "optional \"route\" attribute")
	persistent.IntVar(&cfg.waitSeconds, keyWaitSeconds, 60, "long-poll hold time requested of the CM, in seconds")
	persistent.StringVar(&cfg.logLevel, keyLogLevel, "info", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(keyURI, envPrefix+"URI", persistent.Lookup(keyURI))
	mustBindFlag(keyTo, envPrefix+"TO", persistent.Lookup(keyTo))
	mustBindFlag(keyFrom, envPrefix+"FROM", persistent.Lookup(keyFrom))
	mustBindFlag(keyLang, envPrefix+"LANG", persistent.Lookup(keyLang))
	mustBindFlag(keyRoute, envPrefix+"ROUTE", persistent.Lookup(keyRoute))
	mustBindFlag(keyWaitSeconds, envPrefix+"WAIT_SECONDS", persistent.Lookup(keyWaitSeconds))
	mustBindFlag(keyLogLevel, envPrefix+"LOG_LEVEL", persistent.Lookup(keyLogLevel))

	cmd.AddCommand(
		newConnectCommand(cfg, baseLogger),
		newSendCommand(cfg, baseLogger),
		newMetricsCommand(cfg, baseLogger),
	)

	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("boshcli: flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

// load resolves cfg from whatever combination of flags, env vars, and
// viper config the caller supplied, applying the same precedence cobra's
// own flag parsing already established.
func (c *sharedConfig) load() error {
	c.uri = strings.TrimSpace(viper.GetString(keyURI))
	c.to = strings.TrimSpace(viper.GetString(keyTo))
	c.from = strings.TrimSpace(viper.GetString(keyFrom))
	c.lang = strings.TrimSpace(viper.GetString(keyLang))
	c.route = strings.TrimSpace(viper.GetString(keyRoute))
	c.waitSeconds = viper.GetInt(keyWaitSeconds)
	c.logLevel = strings.TrimSpace(viper.GetString(keyLogLevel))

	if c.uri == "" {
		return fmt.Errorf("boshcli: --%s is required", keyURI)
	}
	if c.to == "" {
		return fmt.Errorf("boshcli: --%s is required", keyTo)
	}
	return nil
}

func (c *sharedConfig) loggerFrom(base pslog.Logger) pslog.Logger {
	logger := base
	if level, ok := pslog.ParseLevel(c.logLevel); ok {
		logger = logger.LogLevel(level)
	}
	return logger
}
