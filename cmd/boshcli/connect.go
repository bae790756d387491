package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bosh "github.com/codediving/jbosh"
	"pkt.systems/pslog"
)

func newConnectCommand(cfg *sharedConfig, baseLogger pslog.Logger) *cobra.Command {
	var establishTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a BOSH session and hold it open until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			logger := cfg.loggerFrom(baseLogger)

			sess, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("boshcli: building session: %w", err)
			}
			attachLogging(sess, logger)

			start := time.Now()
			if err := sess.Send(bosh.NewBody()); err != nil {
				return fmt.Errorf("boshcli: session-creation send: %w", err)
			}
			if !waitForEstablished(sess, establishTimeout) {
				sess.Close()
				return fmt.Errorf("boshcli: session not established within %s", establishTimeout)
			}
			logger.Info("session established", "since", humanize.Time(start))

			<-cmd.Context().Done()
			logger.Info("disconnecting", "reason", "interrupted")
			if err := sess.Disconnect(bosh.NewBody()); err != nil {
				sess.Close()
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&establishTimeout, "establish-timeout", 30*time.Second, "time to wait for the session-creation response")
	return cmd
}
