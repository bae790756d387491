package bosh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"
)

var errIOTimeout = errors.New("bosh: i/o timeout waiting for response")

// Session is the BOSH client session coordinator: the state machine, send
// gate, receive loop, and pause/reconnect/dispose logic of spec.md §4.
// All mutable state declared between mu and the logger field is guarded
// by mu; listeners are always invoked outside the lock (spec.md §5).
//
// Grounded on skriptble-gabble/transport/bosh/session.go's mutex/channel
// discipline, generalized from a server-side element multiplexer into a
// client-side request/response coordinator, and on
// sa6mwa-lockd/internal/tcleader.Manager for the shape of a long-lived,
// lock-guarded coordinator with a pslog.Logger field.
type Session struct {
	cfg    Config
	sender HTTPSender

	mu   sync.Mutex
	cond *sync.Cond

	rids *ridSequence
	acks *ackTracker

	outstanding outstandingQueue

	cmParams *CMSessionParams
	disposed bool
	paused   bool
	lost     bool

	waitingSenders int // count of Send callers currently blocked in cond.Wait

	emptyTimer *singleTimer
	ioTimer    *singleTimer

	executor              Executor
	emptyRequestDelay     time.Duration
	pauseMargin           time.Duration
	assertionsEnabled     bool
	metricsEnabled        bool
	emptyRequestsDisabled bool // test hook, spec.md §4.7

	logger  pslog.Logger
	metrics *Metrics

	connListeners     *listenerSet[ConnectionListener]
	reqSentListeners  *listenerSet[RequestSentListener]
	respRecvListeners *listenerSet[ResponseReceivedListener]

	recvWG sync.WaitGroup
}

// New constructs a Session against the given Config and HTTPSender and
// starts its receive loop. The session begins in the "working ∧
// cm_params=⊥" state of spec.md §3; the application's first Send call
// performs session creation (spec.md §4.4).
func New(cfg Config, sender HTTPSender, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, &UsageError{Detail: "sender is required"}
	}
	rids, err := newRIDSequence()
	if err != nil {
		return nil, fmt.Errorf("bosh: generating rid_0: %w", err)
	}

	s := &Session{
		cfg:               cfg,
		sender:            sender,
		rids:              rids,
		acks:              newAckTracker(),
		emptyRequestDelay: defaultEmptyRequestDelay,
		pauseMargin:       defaultPauseMargin,
		executor:          realExecutor{},
		logger:            pslog.NoopLogger(),
		connListeners:     &listenerSet[ConnectionListener]{},
		reqSentListeners:  &listenerSet[RequestSentListener]{},
		respRecvListeners: &listenerSet[ResponseReceivedListener]{},
	}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.emptyTimer = newSingleTimer(s.executor)
	s.ioTimer = newSingleTimer(s.executor)
	if s.metricsEnabled {
		s.metrics = newMetrics(s.logger, s)
	}

	s.recvWG.Add(1)
	go s.receiveLoop()

	return s, nil
}

// AddConnectionListener registers l for connection-established and
// connection-closed events (spec.md §6).
func (s *Session) AddConnectionListener(l ConnectionListener) listenerHandle {
	return s.connListeners.add(l)
}

// RemoveConnectionListener unregisters a listener added with
// AddConnectionListener.
func (s *Session) RemoveConnectionListener(h listenerHandle) {
	s.connListeners.removeAt(h)
}

// AddRequestSentListener registers l for request-sent events.
func (s *Session) AddRequestSentListener(l RequestSentListener) listenerHandle {
	return s.reqSentListeners.add(l)
}

// RemoveRequestSentListener unregisters a listener added with
// AddRequestSentListener.
func (s *Session) RemoveRequestSentListener(h listenerHandle) {
	s.reqSentListeners.removeAt(h)
}

// AddResponseReceivedListener registers l for response-received events.
func (s *Session) AddResponseReceivedListener(l ResponseReceivedListener) listenerHandle {
	return s.respRecvListeners.add(l)
}

// RemoveResponseReceivedListener unregisters a listener added with
// AddResponseReceivedListener.
func (s *Session) RemoveResponseReceivedListener(h listenerHandle) {
	s.respRecvListeners.removeAt(h)
}

// Send decorates body per spec.md §4.4/§4.5 and transmits it once the
// session gate (spec.md §4.3) admits it, blocking otherwise. It fails
// synchronously only if the session is disposed.
func (s *Session) Send(body Body) error {
	s.mu.Lock()
	for {
		if s.disposed {
			s.mu.Unlock()
			return ErrDisposed
		}
		if s.sendableLocked(body) {
			break
		}
		s.waitingSenders++
		s.cond.Wait()
		s.waitingSenders--
	}

	decorated, rid := s.decorateLocked(body)
	handle := s.sender.Send(s.cmParams, decorated)
	ex := &exchange{
		id:      newCorrelationID(),
		body:    decorated,
		rid:     rid,
		handle:  handle,
		isEmpty: len(decorated.Children()) == 0,
	}
	s.outstanding.push(ex)
	s.acks.recordSend(decorated)
	if s.paused {
		s.paused = false
		s.logger.Debug("bosh.session.unpaused", "reason", "send", "rid", rid)
	}
	s.rescheduleIOTimeoutLocked()
	s.metrics.recordRIDIssued(context.Background())
	s.cond.Broadcast()
	evt := RequestSentEvent{ID: ex.id, RID: rid, Body: decorated}
	s.mu.Unlock()

	s.fireRequestSent(evt)
	return nil
}

// sendableLocked implements the "immediately sendable" predicate of
// spec.md §4.3.
func (s *Session) sendableLocked(body Body) bool {
	if s.cmParams == nil {
		return s.outstanding.len() == 0
	}
	if s.lost {
		return false
	}
	maxInFlight := s.maxInFlightLocked()
	n := s.outstanding.len()
	if n < maxInFlight {
		return true
	}
	return n == maxInFlight && isTerminateOrPause(body)
}

// maxInFlightLocked computes max_in_flight per spec.md §4.3.
func (s *Session) maxInFlightLocked() int {
	if s.cmParams == nil {
		return 1
	}
	if s.cmParams.HasRequests() {
		return s.cmParams.Requests
	}
	return math.MaxInt32
}

func isTerminateOrPause(body Body) bool {
	if body.Type() == TypeTerminate {
		return true
	}
	_, hasPause := body.Attr(AttrPause)
	return hasPause
}

// decorateLocked applies spec.md §4.4 (session creation) or §4.5 (normal
// send) decoration, and returns the newly assigned RID.
func (s *Session) decorateLocked(body Body) (Body, int64) {
	if s.cmParams == nil {
		rid := s.rids.Next()
		b := body.
			With(AttrTo, s.cfg.To).
			With(AttrLang, s.cfg.Lang).
			With(AttrVer, defaultAdvertisedVer).
			WithInt(AttrWait, int64(s.cfg.WaitSeconds)).
			WithInt(AttrHold, int64(defaultHold)).
			WithInt(AttrRID, rid).
			WithInt(AttrAck, 1).
			Without(AttrSID)
		if s.cfg.Route != "" {
			b = b.With(AttrRoute, s.cfg.Route)
		}
		if s.cfg.From != "" {
			b = b.With(AttrFrom, s.cfg.From)
		}
		return b, rid
	}
	return s.decorateContinuationLocked(body)
}

// decorateContinuationLocked applies spec.md §4.5 decoration to a body
// sent after the session is established: sid, rid, and ack per the
// implicit-ack rule of spec.md §4.2.
func (s *Session) decorateContinuationLocked(body Body) (Body, int64) {
	rid := s.rids.Next()
	b := body.With(AttrSID, s.cmParams.SID).WithInt(AttrRID, rid)
	if ack, ok := s.acks.ackForNextRequest(rid); ok {
		b = b.WithInt(AttrAck, ack)
	} else {
		b = b.Without(AttrAck)
	}
	return b, rid
}

// Pause sends msg decorated with pause=<maxpause> (spec.md §4.8). It
// returns false, ErrPauseUnsupported if the session is not yet established
// or the CM never advertised pause support.
func (s *Session) Pause(msg Body) (bool, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false, ErrDisposed
	}
	if s.cmParams == nil || !s.cmParams.SupportsPause() {
		s.mu.Unlock()
		return false, ErrPauseUnsupported
	}
	maxPause := s.cmParams.MaxPause
	s.mu.Unlock()

	decorated := msg.WithInt(AttrPause, int64(maxPause/time.Second))
	if err := s.Send(decorated); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return true, nil
	}
	s.paused = true
	s.emptyTimer.cancel()
	delay := maxPause - s.pauseMargin
	if delay < 0 {
		delay = 0
	}
	s.emptyTimer.schedule(delay, func() { s.emptyRequestTick(true) })
	s.mu.Unlock()

	return true, nil
}

// Disconnect sends msg decorated with type="terminate" through the normal
// send path; the receive loop disposes the session cleanly once the CM
// responds (spec.md §4.12).
func (s *Session) Disconnect(msg Body) error {
	return s.Send(msg.With(AttrType, TypeTerminate))
}

// Close forcibly disposes the session locally, without waiting for any CM
// response (spec.md §6 "close()").
func (s *Session) Close() {
	s.disposeInternal(nil, false)
}

// AttemptReconnect aborts all outstanding exchanges, clears the lost flag,
// resends every pending (unacked) request under its original RID, and
// tops up the outstanding count to hold+1 with dummy requests so the CM is
// forced to answer at least one of them, confirming end-to-end
// connectivity (spec.md §4.10).
func (s *Session) AttemptReconnect() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return false, ErrDisposed
	}
	if s.cmParams == nil {
		return false, &UsageError{Detail: "cannot reconnect before the session is established"}
	}

	s.abortAllLocked()
	s.lost = false

	pending := s.acks.pendingBodies()
	maxInFlight := s.maxInFlightLocked()
	s.assertf(len(pending) <= maxInFlight, "pendingRequestAcks (%d) exceeds max_in_flight (%d)", len(pending), maxInFlight)

	for _, b := range pending {
		handle := s.sender.Send(s.cmParams, b)
		s.outstanding.push(&exchange{id: newCorrelationID(), body: b, rid: b.RID(), handle: handle})
	}

	target := s.cmParams.Hold + 1
	for s.outstanding.len() < target {
		dummy, rid := s.decorateContinuationLocked(dummyReconnectBody())
		handle := s.sender.Send(s.cmParams, dummy)
		s.outstanding.push(&exchange{id: newCorrelationID(), body: dummy, rid: rid, handle: handle})
		s.acks.recordSend(dummy)
	}

	s.rescheduleIOTimeoutLocked()
	s.metrics.recordReconnect(context.Background())
	s.cond.Broadcast()
	return true, nil
}

func dummyReconnectBody() Body {
	return NewBody().WithChildren(Element{Space: "jabber:client", Tag: "message"})
}

// IsRecoverableConnectionLoss reports whether the session is currently
// lost but not yet disposed — i.e. AttemptReconnect may succeed.
func (s *Session) IsRecoverableConnectionLoss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost && !s.disposed
}

// drain blocks until the outstanding queue is empty or the session is
// disposed (spec.md §9 Open Question, resolved as "returns when
// outstanding=∅ ∨ disposed"). It is a test/observation hook, not part of
// the public coordinator contract.
func (s *Session) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.outstanding.len() > 0 && !s.disposed {
		s.cond.Wait()
	}
}

func (s *Session) outstandingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding.len()
}

// receiveLoop is the single logical consumer of spec.md §4.6: it dequeues
// the head exchange, awaits its response, and applies the twelve-step
// processing sequence described there.
func (s *Session) receiveLoop() {
	defer s.recvWG.Done()
	for {
		s.mu.Lock()
		for s.outstanding.len() == 0 && !s.disposed {
			s.cond.Wait()
		}
		if s.disposed {
			s.mu.Unlock()
			return
		}
		ex := s.outstanding.front()
		s.mu.Unlock()

		body, status, err := ex.handle.Await()

		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		if ex.aborted {
			// Already handled by a concurrent abort (lost/recoverable
			// binding/dispose); nothing further to do for this exchange.
			s.mu.Unlock()
			continue
		}

		if err != nil {
			s.enterLostLocked(err)
			s.mu.Unlock()
			continue
		}

		establishing := s.cmParams == nil
		if establishing {
			params := parseCMSessionParams(body)
			s.cmParams = &params
		}
		s.mu.Unlock()

		// spec.md §4.4: connection-established fires before any
		// response-received notification, even for the very response
		// that established it (spec.md §4.6 numbers these the other way
		// round; §4.4's stronger guarantee wins).
		if establishing {
			s.fireConnectionEvent(ConnectionEvent{Established: true})
		}
		s.fireResponseReceived(ResponseReceivedEvent{ID: ex.id, RID: ex.rid, Body: body, Status: status})

		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		if ex.aborted {
			// Aborted while listeners ran (lost/reconnect); the queue head
			// is no longer this exchange.
			s.mu.Unlock()
			continue
		}

		if cond, ok := s.terminalConditionLocked(body, status); ok {
			s.mu.Unlock()
			s.disposeInternal(&TerminalBindingError{Condition: cond}, true)
			return
		}

		if body.Type() == TypeTerminate {
			s.mu.Unlock()
			s.disposeInternal(nil, true)
			return
		}

		if body.Type() == TypeError {
			s.handleRecoverableBindingLocked()
			s.rescheduleIOTimeoutLocked()
			if !s.paused {
				s.scheduleEmptyRequestLocked(false)
			}
			s.mu.Unlock()
			continue
		}

		s.acks.applyResponseAck(ex.rid, body)
		s.acks.recordResponse(ex.rid)
		if violation := s.handleReportLocked(body); violation != nil {
			s.mu.Unlock()
			s.disposeInternal(violation, true)
			return
		}
		s.outstanding.popFront()
		s.rescheduleIOTimeoutLocked()
		if !s.paused {
			s.scheduleEmptyRequestLocked(false)
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// terminalConditionLocked implements spec.md §4.9's terminal-condition
// detection: an explicit condition on a type="terminate" body, or — for
// pre-1.6 sessions that omit "ver" — a non-2xx HTTP status.
func (s *Session) terminalConditionLocked(body Body, status int) (Condition, bool) {
	if body.Type() == TypeTerminate {
		if raw, ok := body.Attr(AttrCondition); ok {
			return parseCondition(raw), true
		}
		return Condition{}, false
	}
	if s.cmParams != nil && s.cmParams.IsPre16() {
		if cond, ok := conditionFromStatus(status); ok {
			return cond, true
		}
	}
	return Condition{}, false
}

// handleRecoverableBindingLocked implements spec.md §4.9's "Recoverable"
// case and §8 scenario 4: abort every outstanding exchange and resend
// their bodies, unchanged, in the same order, under the same RIDs.
func (s *Session) handleRecoverableBindingLocked() {
	aborted := s.abortAllLocked()
	rids := make([]int64, 0, len(aborted))
	for _, ex := range aborted {
		handle := s.sender.Send(s.cmParams, ex.body)
		s.outstanding.push(&exchange{id: newCorrelationID(), body: ex.body, rid: ex.rid, handle: handle, isEmpty: ex.isEmpty})
		rids = append(rids, ex.rid)
	}
	cause := &RecoverableBindingError{RIDs: rids}
	s.logger.Warn("bosh.session.recoverable_binding", "cause", cause, "resent", len(aborted))
}

// handleReportLocked implements spec.md §4.2 "Report handling": a report
// attribute names an RID the CM never received; that request is resent
// under its original RID. A report naming an RID this client never sent
// is a ProtocolViolationError.
func (s *Session) handleReportLocked(body Body) error {
	raw, ok := body.Attr(AttrReport)
	if !ok {
		return nil
	}
	reportRID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return &ProtocolViolationError{Detail: fmt.Sprintf("malformed report attribute %q", raw)}
	}
	pending, found := s.acks.findPending(reportRID)
	if !found {
		return &ProtocolViolationError{Detail: fmt.Sprintf("report references unknown rid %d", reportRID)}
	}
	handle := s.sender.Send(s.cmParams, pending)
	s.outstanding.push(&exchange{id: newCorrelationID(), body: pending, rid: reportRID, handle: handle})
	s.logger.Warn("bosh.session.report", "rid", reportRID, "time", body.AttrOr(AttrTime, ""))
	return nil
}

// enterLostLocked implements spec.md §4.11/§7's TransportError path: the
// session becomes lost (recoverable via AttemptReconnect), not disposed.
func (s *Session) enterLostLocked(cause error) {
	if s.lost {
		return
	}
	s.lost = true
	aborted := s.abortAllLocked()
	s.ioTimer.cancel()
	s.emptyTimer.cancel()
	s.logger.Warn("bosh.session.lost", "cause", cause, "aborted", len(aborted))
}

// abortAllLocked drains the outstanding queue, marking and aborting every
// exchange so any blocked receive-loop Await on them returns promptly.
func (s *Session) abortAllLocked() []*exchange {
	items := s.outstanding.drain()
	for _, it := range items {
		it.aborted = true
		if it.handle != nil {
			it.handle.Abort()
		}
	}
	s.cond.Broadcast()
	return items
}

// rescheduleIOTimeoutLocked implements spec.md §4.11: the timeout is
// rescheduled on every receive-loop iteration based on current
// outstanding, and canceled outright once outstanding is empty.
func (s *Session) rescheduleIOTimeoutLocked() {
	if s.outstanding.len() == 0 {
		s.ioTimer.cancel()
		return
	}
	s.ioTimer.reset(s.ioTimeoutDurationLocked(), s.onIOTimeout)
}

func (s *Session) ioTimeoutDurationLocked() time.Duration {
	base := time.Duration(s.cfg.WaitSeconds) * time.Second
	if s.cmParams != nil && s.cmParams.Wait > 0 {
		base = s.cmParams.Wait
	}
	d := time.Duration(float64(base) * 1.5)
	if d <= 0 {
		d = 60 * time.Second
	}
	return d
}

func (s *Session) onIOTimeout() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.enterLostLocked(&TransportError{Op: "io-timeout", Err: errIOTimeout})
	s.mu.Unlock()
}

// scheduleEmptyRequestLocked implements spec.md §4.7's delay computation
// and single-owner scheduling.
func (s *Session) scheduleEmptyRequestLocked(wake bool) {
	if s.cmParams == nil || s.emptyRequestsDisabled {
		return
	}
	delay := s.emptyRequestDelayLocked()
	s.emptyTimer.schedule(delay, func() { s.emptyRequestTick(wake) })
}

func (s *Session) emptyRequestDelayLocked() time.Duration {
	if s.cmParams.Hold > 0 {
		return 0
	}
	if s.cmParams.Polling > 0 {
		return s.cmParams.Polling
	}
	return s.emptyRequestDelay
}

// emptyRequestTargetLocked implements spec.md §4.7's target computation: 1 for
// polling sessions (wait=0 ∨ hold=0), else hold.
func (s *Session) emptyRequestTargetLocked() int {
	if s.cmParams == nil {
		return 0
	}
	if s.cmParams.Wait == 0 || s.cmParams.Hold == 0 {
		return 1
	}
	return s.cmParams.Hold
}

// emptyRequestTick is the scheduled task body of spec.md §4.7: it sends
// empty requests until gating fails. wake is true only for the one
// request responsible for resuming a paused session; it is cleared after
// the first send in the loop.
func (s *Session) emptyRequestTick(wake bool) {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		allowedByPause := !s.paused || wake
		target := s.emptyRequestTargetLocked()
		ok := allowedByPause && s.cmParams != nil && !s.lost && s.outstanding.len() < target
		if !ok {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.Send(NewBody()); err != nil {
			return
		}
		s.metrics.recordEmptySent(context.Background())
		wake = false
	}
}

// disposeInternal implements spec.md §4.12: cancel timers, abort
// outstanding, fire connection-closed exactly once, destroy the sender,
// and join the receive goroutine unless this call is itself running on
// it (spec.md §9 "Receive-thread reentrant dispose").
func (s *Session) disposeInternal(cause error, fromReceiveLoop bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if !fromReceiveLoop {
			s.recvWG.Wait()
		}
		return
	}
	s.disposed = true
	s.abortAllLocked()
	s.ioTimer.cancel()
	s.emptyTimer.cancel()
	pending := s.acks.pendingBodies()
	nextRID := s.rids.Peek()
	s.paused = false
	s.lost = false
	// cause==nil with callers still parked in Send's cond.Wait means this
	// disposal is what woke them, not a clean idle close (spec.md §7
	// taxonomy item 6, InterruptedWait "dispatched as disposal cause").
	if cause == nil && s.waitingSenders > 0 {
		cause = &InterruptedWaitError{}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.sender.Destroy()

	var evt ConnectionEvent
	if cause != nil {
		evt = ConnectionEvent{Err: &DisposalError{Cause: cause, Pending: pending}, Pending: pending}
		s.logger.Warn("bosh.session.disposed", "cause", cause, "next_rid", nextRID)
	} else {
		s.logger.Debug("bosh.session.disposed", "cause", "none", "next_rid", nextRID)
	}
	s.fireConnectionEvent(evt)

	if !fromReceiveLoop {
		s.recvWG.Wait()
	}
}

func (s *Session) fireConnectionEvent(evt ConnectionEvent) {
	for _, l := range s.connListeners.snapshot() {
		l := l
		s.safeInvoke(func() { l(evt) })
	}
}

func (s *Session) fireRequestSent(evt RequestSentEvent) {
	for _, l := range s.reqSentListeners.snapshot() {
		l := l
		s.safeInvoke(func() { l(evt) })
	}
}

func (s *Session) fireResponseReceived(evt ResponseReceivedEvent) {
	for _, l := range s.respRecvListeners.snapshot() {
		l := l
		s.safeInvoke(func() { l(evt) })
	}
}

// safeInvoke runs fn, catching and logging any panic rather than letting
// it affect coordinator state (spec.md §7 "Listener exceptions are
// caught, logged, and swallowed").
func (s *Session) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("bosh.listener.panic", "recovered", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
