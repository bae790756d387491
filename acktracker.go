package bosh

import "sort"

// ackTracker owns both halves of BOSH acknowledgment bookkeeping
// (spec.md §4.2): the outbound list of request bodies not yet acked by the
// CM, and the inbound high-water mark plus pending set of out-of-order
// response RIDs. Like outstandingQueue, it is only ever touched under the
// coordinator's lock.
type ackTracker struct {
	pendingRequestAcks []Body

	responseAck int64
	pendingSet  []int64 // kept sorted; small by construction (bounded by "requests").
}

func newAckTracker() *ackTracker {
	return &ackTracker{responseAck: -1}
}

// recordSend appends body to pendingRequestAcks. Called once per
// successfully sent request, in send order.
func (t *ackTracker) recordSend(body Body) {
	t.pendingRequestAcks = append(t.pendingRequestAcks, body)
}

// ackForNextRequest computes the "ack" attribute a new outbound request
// should carry, per the implicit-ack rule of XEP-0124 §8 (spec.md §4.2):
// omit it when responseAck == rid-1, since that's what the CM would infer
// anyway.
func (t *ackTracker) ackForNextRequest(rid int64) (int64, bool) {
	if t.responseAck == -1 {
		return 0, false
	}
	if t.responseAck == rid-1 {
		return 0, false
	}
	return t.responseAck, true
}

// applyResponseAck removes every pending request whose RID is <= the
// effective ack carried by a response with no "report" attribute
// (spec.md §4.2 "Outbound"). The response's own "ack" defaults to the
// request's own RID when absent (implicit ack). A response carrying
// "report" means the CM never received that RID, so no ack bookkeeping
// advances — jbosh's BOSHClient.processRequestAcknowledgements returns
// immediately in that case, before even consulting "ack".
func (t *ackTracker) applyResponseAck(requestRID int64, resp Body) {
	if _, ok := resp.Attr(AttrReport); ok {
		return
	}
	ack := requestRID
	if v, ok := resp.Int64(AttrAck); ok {
		ack = v
	}
	if ack > requestRID {
		ack = requestRID
	}
	kept := t.pendingRequestAcks[:0]
	for _, body := range t.pendingRequestAcks {
		if body.RID() <= ack {
			continue
		}
		kept = append(kept, body)
	}
	t.pendingRequestAcks = kept
}

// findPending returns the pending request with the given RID, if any —
// used to resolve a "report" attribute (spec.md §4.2 "Report handling").
func (t *ackTracker) findPending(rid int64) (Body, bool) {
	for _, body := range t.pendingRequestAcks {
		if body.RID() == rid {
			return body, true
		}
	}
	return Body{}, false
}

// recordResponse inserts rid into pendingSet, then advances responseAck
// past every contiguous RID now covered (spec.md §3 "Response acks").
func (t *ackTracker) recordResponse(rid int64) {
	if rid <= t.responseAck {
		return
	}
	if t.responseAck == -1 {
		// No baseline yet: the first response received establishes it,
		// whatever its RID (rid_0 is chosen at random, not 0).
		t.responseAck = rid
	} else {
		idx := sort.Search(len(t.pendingSet), func(i int) bool { return t.pendingSet[i] >= rid })
		if idx < len(t.pendingSet) && t.pendingSet[idx] == rid {
			return
		}
		t.pendingSet = append(t.pendingSet, 0)
		copy(t.pendingSet[idx+1:], t.pendingSet[idx:])
		t.pendingSet[idx] = rid
	}

	for len(t.pendingSet) > 0 && t.pendingSet[0] == t.responseAck+1 {
		t.responseAck++
		t.pendingSet = t.pendingSet[1:]
	}
}

// pendingBodies returns a copy of pendingRequestAcks, in order, for replay
// (reconnect) or disposal reporting.
func (t *ackTracker) pendingBodies() []Body {
	return append([]Body{}, t.pendingRequestAcks...)
}

func (t *ackTracker) pendingCount() int {
	return len(t.pendingRequestAcks)
}
