package main

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bosh "github.com/codediving/jbosh"
	"pkt.systems/pslog"
)

func newSendCommand(cfg *sharedConfig, baseLogger pslog.Logger) *cobra.Command {
	var rawXML string
	var responseTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Open a session, send one payload, print the response, and disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			logger := cfg.loggerFrom(baseLogger)

			sess, err := newSession(cfg, logger)
			if err != nil {
				return fmt.Errorf("boshcli: building session: %w", err)
			}

			responses := make(chan bosh.ResponseReceivedEvent, 2)
			sess.AddResponseReceivedListener(func(evt bosh.ResponseReceivedEvent) {
				select {
				case responses <- evt:
				default:
				}
			})

			body := bosh.NewBody()
			if rawXML != "" {
				el, err := decodePayload(rawXML)
				if err != nil {
					return fmt.Errorf("boshcli: parsing --xml payload: %w", err)
				}
				body = body.WithChildren(el)
			}

			if err := sess.Send(body); err != nil {
				return fmt.Errorf("boshcli: session-creation send: %w", err)
			}

			select {
			case evt := <-responses:
				fmt.Printf("rid=%d status=%d bytes=%s\n", evt.RID, evt.Status, humanize.Bytes(uint64(encodedSize(evt.Body))))
			case <-time.After(responseTimeout):
				sess.Close()
				return fmt.Errorf("boshcli: no response within %s", responseTimeout)
			}

			return sess.Disconnect(bosh.NewBody())
		},
	}

	cmd.Flags().StringVar(&rawXML, "xml", "", "raw XML payload to wrap inside the body's opaque payload")
	cmd.Flags().DurationVar(&responseTimeout, "timeout", 30*time.Second, "time to wait for the CM's response")
	return cmd
}

// decodePayload wraps rawXML in a throwaway <body/> so DecodeBody's
// element walk can parse it, then lifts out the single child — send's
// --xml flag carries one payload fragment, not a whole body.
func decodePayload(rawXML string) (bosh.Element, error) {
	wrapped := "<body xmlns=\"" + bosh.Namespace + "\">" + rawXML + "</body>"
	body, err := bosh.DecodeBody([]byte(wrapped))
	if err != nil {
		return bosh.Element{}, err
	}
	children := body.Children()
	if len(children) == 0 {
		return bosh.Element{}, fmt.Errorf("no payload element found in --xml")
	}
	return children[0], nil
}

func encodedSize(body bosh.Body) int {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := body.Encode().MarshalXML(enc, xml.StartElement{}); err != nil {
		return 0
	}
	_ = enc.Flush()
	return buf.Len()
}
