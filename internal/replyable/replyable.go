// Package replyable provides the {requester, request_id} correlation
// contract the two active objects use to reply asynchronously: a
// back-reference, not ownership. Neither active object keeps its requester
// alive; a stored Requester is a weak handle resolved only at reply time.
package replyable

import "github.com/kestrel-embedded/i2c-hsm/internal/hsm"

// Requester is whatever can receive a reply event. *ao.Object satisfies
// this directly via its Post method — no adapter required — which is the
// point: storing a Requester never keeps the underlying active object
// running, it just remembers where to try to post later.
type Requester interface {
	Post(e hsm.Event) bool
}

// Request is what a driver snapshots on accepting a client's Read/Write:
// the requester AO, original request id, operation kind, and buffer
// descriptor. RequestID is the caller's original request id, echoed back
// unchanged on the eventual reply so the caller can match it to the request
// it made (not to be confused with the device driver's own internal
// transaction id used for I2C correlation).
type Request struct {
	Requester Requester
	RequestID uint64
}

// Deliver posts e to r.Requester if it is non-nil, returning false (a
// logged drop) if there is no requester or its queue is full.
func (r Request) Deliver(e hsm.Event) bool {
	if r.Requester == nil {
		return false
	}
	return r.Requester.Post(e)
}
