package main

import (
	"net/http"
	"time"

	bosh "github.com/codediving/jbosh"
	"pkt.systems/pslog"
)

// newSession builds a Session against cfg, wiring a DefaultSender over a
// client with a sane timeout (SPEC_FULL.md §8.3's "cmd/boshcli binds the
// same options" — here via the library's own functional options rather
// than reimplementing them).
func newSession(cfg *sharedConfig, logger pslog.Logger, opts ...bosh.Option) (*bosh.Session, error) {
	boshCfg := bosh.Config{
		URI:         cfg.uri,
		To:          cfg.to,
		From:        cfg.from,
		Lang:        cfg.lang,
		Route:       cfg.route,
		WaitSeconds: cfg.waitSeconds,
	}
	client := &http.Client{Timeout: bosh.DefaultClientTimeout}
	sender := bosh.NewDefaultSender(cfg.uri, client, logger)

	allOpts := append([]bosh.Option{bosh.WithLogger(logger)}, opts...)
	return bosh.New(boshCfg, sender, allOpts...)
}

// attachLogging wires boshcli's own listener logging onto sess, printing
// one line per connection/request-sent/response-received event, the way
// a demo CLI surfaces a library's event stream to an operator's terminal.
func attachLogging(sess *bosh.Session, logger pslog.Logger) {
	sess.AddConnectionListener(func(evt bosh.ConnectionEvent) {
		switch {
		case evt.Established:
			logger.Info("connection.established")
		case evt.Err != nil:
			logger.Warn("connection.closed", "error", evt.Err, "pending", len(evt.Pending))
		default:
			logger.Info("connection.closed")
		}
	})
	sess.AddRequestSentListener(func(evt bosh.RequestSentEvent) {
		logger.Debug("request.sent", "rid", evt.RID, "id", evt.ID)
	})
	sess.AddResponseReceivedListener(func(evt bosh.ResponseReceivedEvent) {
		logger.Debug("response.received", "rid", evt.RID, "id", evt.ID, "status", evt.Status)
	})
}

// waitForEstablished blocks until sess fires a connection-established event
// or timeout elapses, reporting whether such an event was observed.
func waitForEstablished(sess *bosh.Session, timeout time.Duration) bool {
	done := make(chan bool, 1)
	h := sess.AddConnectionListener(func(evt bosh.ConnectionEvent) {
		if evt.Established {
			select {
			case done <- true:
			default:
			}
		}
	})
	defer sess.RemoveConnectionListener(h)

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
