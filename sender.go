package bosh

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// ResponseHandle is returned by HTTPSender.Send. Await blocks until the CM
// has responded or the request has failed or been aborted; Abort is a
// best-effort cancel after which Await must produce an error (spec.md §6
// "HTTP sender contract").
type ResponseHandle interface {
	Await() (Body, int, error)
	Abort()
}

// HTTPSender is the external HTTP transport collaborator spec.md §1 and §6
// describe by interface only: connect, framing, and header handling are
// out of this module's core scope. Send must be safe for concurrent use —
// the coordinator may have several requests in flight against the same
// sender at once.
type HTTPSender interface {
	Send(params *CMSessionParams, body Body) ResponseHandle
	Destroy()
}

// DefaultSender is a concrete HTTPSender over net/http. It is the
// production collaborator cmd/boshcli wires up; library callers with more
// exotic transport needs (proxies, custom TLS, connection pooling beyond
// net/http's own) may supply their own HTTPSender instead, grounded on the
// async send/await-handle shape in
// other_examples/kiran1729-libconn__httpconn_client.go.
type DefaultSender struct {
	client *http.Client
	uri    string
	logger pslog.Logger
}

// NewDefaultSender builds a DefaultSender posting to uri with the given
// *http.Client (a nil client gets a timeout-free client; each request's
// context carries no deadline and is cancelled only by Abort).
func NewDefaultSender(uri string, client *http.Client, logger pslog.Logger) *DefaultSender {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &DefaultSender{client: client, uri: uri, logger: logger}
}

type defaultHandle struct {
	cancel context.CancelFunc
	result chan sendResult
}

type sendResult struct {
	body   Body
	status int
	err    error
}

func (h *defaultHandle) Await() (Body, int, error) {
	r := <-h.result
	return r.body, r.status, r.err
}

func (h *defaultHandle) Abort() {
	h.cancel()
}

// Send transmits body asynchronously and returns immediately with a handle.
func (s *DefaultSender) Send(params *CMSessionParams, body Body) ResponseHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &defaultHandle{cancel: cancel, result: make(chan sendResult, 1)}

	go func() {
		defer cancel()
		var buf bytes.Buffer
		enc := xml.NewEncoder(&buf)
		if err := body.Encode().MarshalXML(enc, xml.StartElement{}); err != nil {
			h.result <- sendResult{err: &TransportError{Op: "encode", Err: err}}
			return
		}
		if err := enc.Flush(); err != nil {
			h.result <- sendResult{err: &TransportError{Op: "encode", Err: err}}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uri, bytes.NewReader(buf.Bytes()))
		if err != nil {
			h.result <- sendResult{err: &TransportError{Op: "build-request", Err: err}}
			return
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")

		s.logger.Debug("bosh.sender.request", "rid", body.RID(), "bytes", buf.Len())
		resp, err := s.client.Do(req)
		if err != nil {
			h.result <- sendResult{err: &TransportError{Op: "do-request", Err: err}}
			return
		}
		defer resp.Body.Close()

		respBuf := new(bytes.Buffer)
		if _, err := respBuf.ReadFrom(resp.Body); err != nil {
			h.result <- sendResult{err: &TransportError{Op: "read-response", Err: err}}
			return
		}
		respBody, err := DecodeBody(respBuf.Bytes())
		if err != nil {
			h.result <- sendResult{err: &TransportError{Op: "decode-response", Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}}
			return
		}
		h.result <- sendResult{body: respBody, status: resp.StatusCode}
	}()

	return h
}

// Destroy releases resources held by the sender (spec.md §6 "destroy()").
// net/http's transport is shared process-wide, so this is a no-op beyond
// idle-connection cleanup, mirroring how most net/http-based clients in
// the ecosystem handle Close/Destroy.
func (s *DefaultSender) Destroy() {
	s.client.CloseIdleConnections()
}

// ErrMalformedResponse is returned, wrapped in a TransportError, when the
// CM's response body cannot be decoded as a BOSH <body/> element.
var ErrMalformedResponse = fmt.Errorf("bosh: malformed response body")

// DefaultClientTimeout is a suggested *http.Client.Timeout for callers
// building their own client to hand to NewDefaultSender; the library
// itself never imposes a client-side timeout — spec.md's I/O timeout
// (§4.11) is the coordinator's job, not the sender's.
const DefaultClientTimeout = 2 * time.Minute
