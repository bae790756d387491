package bosh

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSender is the deterministic HTTPSender test double, grounded on
// session_test.go's own fakeSender in sa6mwa-lockd's style of injecting a
// test double rather than a real transport. Send is synchronous: it
// registers a handle keyed by RID and returns immediately, so callers can
// inspect sentBodies()/handleFor() right after Session.Send returns.
type fakeSender struct {
	mu        sync.Mutex
	sent      []Body
	handles   map[int64]*fakeHandle
	destroyed bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{handles: make(map[int64]*fakeHandle)}
}

func (s *fakeSender) Send(params *CMSessionParams, body Body) ResponseHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, body)
	h := &fakeHandle{result: make(chan sendResult, 1)}
	s.handles[body.RID()] = h
	return h
}

func (s *fakeSender) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

func (s *fakeSender) sentBodies() []Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Body{}, s.sent...)
}

func (s *fakeSender) handleFor(rid int64) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[rid]
}

// respond resolves the outstanding request with the given RID as if the
// CM had answered it with resp/status. Fails the test if no such request
// was ever sent.
func (s *fakeSender) respond(t *testing.T, rid int64, resp Body, status int) {
	h := s.handleFor(rid)
	if h == nil {
		t.Fatalf("fakeSender: no request with rid=%d was sent", rid)
	}
	h.result <- sendResult{body: resp, status: status}
}

// fail resolves the outstanding request with the given RID as a transport
// failure.
func (s *fakeSender) fail(t *testing.T, rid int64, err error) {
	h := s.handleFor(rid)
	if h == nil {
		t.Fatalf("fakeSender: no request with rid=%d was sent", rid)
	}
	h.result <- sendResult{err: err}
}

type fakeHandle struct {
	result  chan sendResult
	aborted bool
}

func (h *fakeHandle) Await() (Body, int, error) {
	r := <-h.result
	return r.body, r.status, r.err
}

func (h *fakeHandle) Abort() {
	h.aborted = true
	select {
	case h.result <- sendResult{err: errTestAborted}:
	default:
	}
}

var errTestAborted = errors.New("bosh: test handle aborted")

// waitUntil polls cond until it reports true or the timeout elapses,
// failing the test on timeout. Used instead of sleeping a fixed amount
// because the receive loop processes responses on its own goroutine.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeSender, *fakeExecutor) {
	t.Helper()
	sender := newFakeSender()
	exec := &fakeExecutor{}
	cfg := Config{URI: "http://cm.example", To: "example.com"}
	allOpts := append([]Option{WithExecutor(exec)}, opts...)
	sess, err := New(cfg, sender, allOpts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess, sender, exec
}

func establishedParamsBody(ack int64) Body {
	return NewBody().
		With(AttrSID, "sess-1").
		WithInt(AttrWait, 60).
		WithInt(AttrHold, 1).
		WithInt(AttrRequests, 2).
		WithInt(AttrAck, ack)
}

// Scenario 1 (spec.md §8): basic send/establish.
func TestSessionBasicSendEstablishesSession(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	var established int
	var mu sync.Mutex
	sess.AddConnectionListener(func(evt ConnectionEvent) {
		if evt.Established {
			mu.Lock()
			established++
			mu.Unlock()
		}
	})

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	sent := sender.sentBodies()
	if len(sent) != 1 {
		t.Fatalf("expected one sent body, got %d", len(sent))
	}
	creation := sent[0]
	if _, ok := creation.Attr(AttrSID); ok {
		t.Error("session-creation request must not carry sid")
	}
	if v, _ := creation.Int64(AttrHold); v != defaultHold {
		t.Errorf("session-creation hold = %d, want %d", v, defaultHold)
	}
	if v, _ := creation.Int64(AttrAck); v != 1 {
		t.Errorf("session-creation ack = %d, want 1", v)
	}
	rid := creation.RID()

	sender.respond(t, rid, establishedParamsBody(rid), 200)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return established == 1
	})
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	sess.mu.Lock()
	pending := sess.acks.pendingCount()
	cmParams := sess.cmParams
	sess.mu.Unlock()
	if pending != 0 {
		t.Errorf("pendingRequestAcks should be empty after the response acks the creation request, got %d", pending)
	}
	if cmParams == nil || cmParams.SID != "sess-1" {
		t.Errorf("cm_params should be populated from the response, got %+v", cmParams)
	}

	mu.Lock()
	defer mu.Unlock()
	if established != 1 {
		t.Errorf("connection-established should fire exactly once, fired %d times", established)
	}
}

// Scenario 5 (spec.md §8): pause schedules a wake-from-pause empty request.
func TestSessionPauseSchedulesWakeEmptyRequest(t *testing.T) {
	t.Parallel()
	sess, sender, exec := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()
	resp := establishedParamsBody(creationRID).WithInt(AttrMaxPause, 120)
	sender.respond(t, creationRID, resp, 200)
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	ok, err := sess.Pause(NewBody())
	if err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if !ok {
		t.Fatal("Pause() should succeed when maxpause is advertised")
	}

	pauseSent := sender.sentBodies()
	pauseBody := pauseSent[len(pauseSent)-1]
	if v, _ := pauseBody.Int64(AttrPause); v != 120 {
		t.Errorf("pause body should carry pause=120, got %d", v)
	}
	sender.respond(t, pauseBody.RID(), NewBody(), 200)
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	sess.mu.Lock()
	paused := sess.paused
	sess.mu.Unlock()
	if !paused {
		t.Fatal("session should be paused after Pause() sends its body")
	}

	before := len(sender.sentBodies())
	exec.fireAll()
	waitUntil(t, time.Second, func() bool { return len(sender.sentBodies()) > before })

	wakeBody := sender.sentBodies()[len(sender.sentBodies())-1]
	if len(wakeBody.Children()) != 0 {
		t.Error("the pause-wake request must be empty")
	}

	sess.mu.Lock()
	stillPaused := sess.paused
	sess.mu.Unlock()
	if stillPaused {
		t.Error("sending the wake-from-pause request should clear paused")
	}
}

// Scenario 4 (spec.md §8): recoverable binding condition resends both
// outstanding requests under their original RIDs, in order.
func TestSessionRecoverableBindingResendsOutstanding(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()
	sender.respond(t, creationRID, establishedParamsBody(creationRID), 200)
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	go func() {
		_ = sess.Send(NewBody())
	}()
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 2 })

	sess.mu.Lock()
	var rids []int64
	for _, ex := range sess.outstanding.items {
		rids = append(rids, ex.rid)
	}
	sess.mu.Unlock()
	if len(rids) != 2 {
		t.Fatalf("expected two outstanding exchanges, got %d", len(rids))
	}

	errorBody := NewBody().With(AttrSID, "sess-1").With(AttrType, TypeError)
	sender.respond(t, rids[0], errorBody, 200)

	waitUntil(t, time.Second, func() bool { return len(sender.sentBodies()) >= 5 })

	resent := sender.sentBodies()[len(sender.sentBodies())-2:]
	if resent[0].RID() != rids[0] || resent[1].RID() != rids[1] {
		t.Errorf("recoverable binding should resend bodies in order under their original RIDs, got rid=%d,%d want %d,%d",
			resent[0].RID(), resent[1].RID(), rids[0], rids[1])
	}

	// No ack bookkeeping should have advanced from the discarded response.
	sess.mu.Lock()
	ack := sess.acks.responseAck
	sess.mu.Unlock()
	if ack != creationRID {
		t.Errorf("response_ack should not advance past the creation response on a recoverable binding, got %d", ack)
	}

	sender.respond(t, rids[0], NewBody(), 200)
	sender.respond(t, rids[1], NewBody(), 200)
}

// Scenario 3 (spec.md §8): the response to the head exchange (r0) reports
// r1; the reported RID is requeued as a new exchange without touching the
// other pending RIDs, and the session is not disposed (the response's own
// implicit ack is withheld per spec.md §4.2 "Outbound" whenever "report"
// is present).
func TestSessionReportDrivenResend(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()
	resp := establishedParamsBody(creationRID).WithInt(AttrRequests, 10).WithInt(AttrHold, 3)
	sender.respond(t, creationRID, resp, 200)
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	for i := 0; i < 3; i++ {
		if err := sess.Send(NewBody()); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 3 })

	sess.mu.Lock()
	var rids []int64
	for _, ex := range sess.outstanding.items {
		rids = append(rids, ex.rid)
	}
	sess.mu.Unlock()
	if len(rids) != 3 {
		t.Fatalf("expected three outstanding exchanges, got %d", len(rids))
	}
	r0, r1, r2 := rids[0], rids[1], rids[2]

	reportBody := NewBody().With(AttrSID, "sess-1").WithInt(AttrReport, r1).WithInt(AttrTime, 1500)
	sender.respond(t, r0, reportBody, 200)

	waitUntil(t, time.Second, func() bool { return len(sender.sentBodies()) >= 5 })

	sess.mu.Lock()
	disposed := sess.disposed
	var pendingRIDs []int64
	for _, b := range sess.acks.pendingBodies() {
		pendingRIDs = append(pendingRIDs, b.RID())
	}
	sess.mu.Unlock()
	if disposed {
		t.Fatal("a report naming a pending rid must not dispose the session")
	}

	resent := sender.sentBodies()[len(sender.sentBodies())-1]
	if resent.RID() != r1 {
		t.Errorf("report should requeue the reported rid as a new exchange, got resend of rid=%d want %d", resent.RID(), r1)
	}

	var foundR0, foundR2 bool
	for _, rid := range pendingRIDs {
		if rid == r0 {
			foundR0 = true
		}
		if rid == r2 {
			foundR2 = true
		}
	}
	if !foundR0 || !foundR2 {
		t.Errorf("r0 and r2 should remain pending after a report naming r1, pending=%v", pendingRIDs)
	}

	sess.mu.Lock()
	var finalOutstanding []int64
	for _, ex := range sess.outstanding.items {
		finalOutstanding = append(finalOutstanding, ex.rid)
	}
	sess.mu.Unlock()
	// The resend reuses r1, so fakeSender holds one handle per RID; answer
	// each RID once.
	answered := make(map[int64]bool)
	for _, rid := range finalOutstanding {
		if answered[rid] {
			continue
		}
		answered[rid] = true
		sender.respond(t, rid, NewBody(), 200)
	}
}

// Scenario 6 (spec.md §8): AttemptReconnect tops outstanding up to hold+1.
func TestSessionAttemptReconnectTopsUpToHoldPlusOne(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()
	resp := establishedParamsBody(creationRID).WithInt(AttrHold, 2).WithInt(AttrRequests, 10)
	sender.respond(t, creationRID, resp, 200)
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 0 })

	var sendRIDs []int64
	for i := 0; i < 2; i++ {
		if err := sess.Send(NewBody()); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	waitUntil(t, time.Second, func() bool { return sess.outstandingLen() == 2 })
	sess.mu.Lock()
	for _, ex := range sess.outstanding.items {
		sendRIDs = append(sendRIDs, ex.rid)
	}
	sess.mu.Unlock()

	sender.fail(t, sendRIDs[0], &TransportError{Op: "test", Err: errors.New("boom")})
	waitUntil(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.lost
	})

	sess.mu.Lock()
	outstanding := sess.outstanding.len()
	sess.mu.Unlock()
	if outstanding != 0 {
		t.Fatalf("a transport failure should drain outstanding once the session is marked lost, got %d", outstanding)
	}

	before := len(sender.sentBodies())
	ok, err := sess.AttemptReconnect()
	if err != nil || !ok {
		t.Fatalf("AttemptReconnect() = (%v, %v), want (true, nil)", ok, err)
	}

	sess.mu.Lock()
	n := sess.outstanding.len()
	sess.mu.Unlock()
	if n != 3 { // hold(2)+1
		t.Errorf("outstanding after reconnect = %d, want hold+1 = 3", n)
	}

	newlySent := sender.sentBodies()[before:]
	if len(newlySent) != 3 {
		t.Fatalf("AttemptReconnect should send pending + dummy requests, sent %d", len(newlySent))
	}
	if newlySent[0].RID() != sendRIDs[0] || newlySent[1].RID() != sendRIDs[1] {
		t.Errorf("AttemptReconnect should resend pending RIDs first and in order, got %d, %d want %d, %d",
			newlySent[0].RID(), newlySent[1].RID(), sendRIDs[0], sendRIDs[1])
	}
	if len(newlySent[2].Children()) == 0 {
		t.Error("the dummy top-up request must carry a payload so it doesn't count as empty")
	}
}

func TestSessionIOTimeoutEntersLostNotDisposed(t *testing.T) {
	t.Parallel()
	sess, _, exec := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return exec.pendingCount() >= 1 })

	exec.fireAll()

	waitUntil(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.lost
	})

	sess.mu.Lock()
	disposed := sess.disposed
	outstanding := sess.outstanding.len()
	sess.mu.Unlock()
	if disposed {
		t.Error("an I/O timeout should mark the session lost, not disposed")
	}
	if outstanding != 0 {
		t.Errorf("lost implies outstanding=∅, got %d", outstanding)
	}
}

func TestSessionTerminalBindingDisposes(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	var closeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	sess.AddConnectionListener(func(evt ConnectionEvent) {
		if !evt.Established {
			closeErr = evt.Err
			wg.Done()
		}
	})

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()
	resp := establishedParamsBody(creationRID).With(AttrType, TypeTerminate).With(AttrCondition, "system-shutdown")
	sender.respond(t, creationRID, resp, 200)

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("connection-closed did not fire after a terminal binding condition")
	}

	if closeErr == nil {
		t.Fatal("connection-closed should carry the terminal binding error")
	}
	var disposalErr *DisposalError
	if !errors.As(closeErr, &disposalErr) {
		t.Fatalf("connection-closed error should be a *DisposalError, got %T", closeErr)
	}
	var terminalErr *TerminalBindingError
	if !errors.As(disposalErr.Cause, &terminalErr) || terminalErr.Condition != ConditionSystemShutdown {
		t.Errorf("disposal cause should be a TerminalBindingError naming system-shutdown, got %v", disposalErr.Cause)
	}

	if err := sess.Send(NewBody()); !errors.Is(err, ErrDisposed) {
		t.Errorf("Send on a disposed session should return ErrDisposed, got %v", err)
	}
}

func TestSessionSendGatingBeforeEstablishmentAllowsOneOutstanding(t *testing.T) {
	t.Parallel()
	sess, _, _ := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	blocked := make(chan struct{})
	go func() {
		_ = sess.Send(NewBody())
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("a second send before session creation completes should block (max_in_flight=1)")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionDrainReturnsWhenOutstandingEmptyOrDisposed(t *testing.T) {
	t.Parallel()
	sess, sender, _ := newTestSession(t)

	if err := sess.Send(NewBody()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	creationRID := sender.sentBodies()[0].RID()

	drained := make(chan struct{})
	go func() {
		sess.drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain should block while an exchange is outstanding")
	case <-time.After(30 * time.Millisecond):
	}

	sender.respond(t, creationRID, establishedParamsBody(creationRID), 200)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not return once outstanding became empty")
	}
}
