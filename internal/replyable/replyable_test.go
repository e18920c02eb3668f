package replyable

import (
	"testing"

	"github.com/kestrel-embedded/i2c-hsm/internal/hsm"
)

type fakeRequester struct {
	accept bool
	got    hsm.Event
}

func (f *fakeRequester) Post(e hsm.Event) bool {
	f.got = e
	return f.accept
}

func TestDeliverReturnsFalseWithNoRequester(t *testing.T) {
	r := Request{}
	if r.Deliver(hsm.Event{Signal: "x"}) {
		t.Fatalf("expected Deliver to return false with a nil Requester")
	}
}

func TestDeliverForwardsToRequester(t *testing.T) {
	fr := &fakeRequester{accept: true}
	r := Request{Requester: fr, RequestID: 42}

	if !r.Deliver(hsm.Event{Signal: "x"}) {
		t.Fatalf("expected Deliver to return true")
	}
	if fr.got.Signal != "x" {
		t.Fatalf("got %v, want signal x", fr.got)
	}
}

func TestDeliverReturnsFalseWhenRequesterQueueIsFull(t *testing.T) {
	fr := &fakeRequester{accept: false}
	r := Request{Requester: fr}

	if r.Deliver(hsm.Event{Signal: "x"}) {
		t.Fatalf("expected Deliver to return false when Post fails")
	}
}
