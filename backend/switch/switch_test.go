package _switch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/callrelay/backend/model"
	"github.com/adwski/callrelay/backend/router"
	"github.com/adwski/callrelay/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

func startSwitch(t *testing.T, ringTimeout time.Duration) (*Switch, *memory.Registry) {
	t.Helper()

	logger := zerolog.Nop()
	reg := memory.NewRegistry()
	sw := NewSwitch(Config{
		Registry:    reg,
		Logger:      &logger,
		RingTimeout: ringTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go sw.Run(ctx, wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return sw, reg
}

// next waits for the next message on w of the given type, skipping presence
// broadcasts unless they are asked for.
func next(t *testing.T, w *model.Wire, typ string) model.Outbound {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-w.TX:
			if msg.Type == typ {
				return msg
			}
			if msg.Type != model.TypeUserList {
				t.Fatalf("unexpected message while waiting for %s: %s", typ, spew.Sdump(msg))
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func submit(t *testing.T, sw *Switch, w *model.Wire, msg model.Inbound) {
	t.Helper()
	if err := sw.Submit(context.Background(), w, msg); err != nil {
		t.Fatalf("submit %s: %v", msg.Type, err)
	}
}

func loginAs(t *testing.T, sw *Switch, name string) *model.Wire {
	t.Helper()
	w := model.NewWire(64)
	submit(t, sw, w, model.Inbound{Type: model.TypeLogin, Username: name})
	if got := next(t, w, model.TypeLoginSuccess); got.Username != name {
		t.Fatalf("logged in as %q, want %q", got.Username, name)
	}
	return w
}

func TestSwitchRelaysCall(t *testing.T) {
	sw, reg := startSwitch(t, 0)

	alice := loginAs(t, sw, "Alice")
	bob := loginAs(t, sw, "Bob")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	submit(t, sw, alice, model.Inbound{Type: model.TypeOffer, Target: "Bob", Offer: sdp})
	got := next(t, bob, model.TypeOffer)
	if got.Caller != "Alice" || string(got.Offer) != string(sdp) {
		t.Fatalf("bad relayed offer: %s", spew.Sdump(got))
	}

	submit(t, sw, bob, model.Inbound{Type: model.TypeAnswer, Target: "Alice", Answer: json.RawMessage(`{"sdp":"ok"}`)})
	if got = next(t, alice, model.TypeAnswer); got.Callee != "Bob" {
		t.Fatalf("bad relayed answer: %s", spew.Sdump(got))
	}

	submit(t, sw, alice, model.Inbound{Type: model.TypeHangup, Target: "Bob"})
	if got = next(t, bob, model.TypeHangup); got.Caller != "Alice" {
		t.Fatalf("bad hangup: %s", spew.Sdump(got))
	}

	// state is settled before any delivery of the transaction goes out
	for _, p := range reg.ListAll() {
		if p.State != model.Available {
			t.Fatalf("%s left in %s", p.ID, p.State)
		}
	}
}

func TestSwitchDisconnectAfterPendingMessages(t *testing.T) {
	sw, reg := startSwitch(t, 0)

	alice := loginAs(t, sw, "Alice")
	bob := loginAs(t, sw, "Bob")

	// both events are queued before either is processed
	submit(t, sw, alice, model.Inbound{Type: model.TypeOffer, Target: "Bob", Offer: json.RawMessage(`{}`)})
	alice.Close()
	if err := sw.Disconnect(context.Background(), alice); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	next(t, bob, model.TypeOffer)
	if got := next(t, bob, model.TypeHangup); got.Caller != "Alice" {
		t.Fatalf("bad hangup: %s", spew.Sdump(got))
	}
	// wait for the presence broadcast that closes the disconnect transaction
	next(t, bob, model.TypeUserList)

	if _, ok := reg.Lookup("Alice"); ok {
		t.Fatal("Alice still registered")
	}
	if p, _ := reg.Lookup("Bob"); p.State != model.Available {
		t.Fatalf("Bob left in %s", p.State)
	}
}

func TestSwitchRingTimeout(t *testing.T) {
	sw, reg := startSwitch(t, 50*time.Millisecond)

	alice := loginAs(t, sw, "Alice")
	bob := loginAs(t, sw, "Bob")

	submit(t, sw, alice, model.Inbound{Type: model.TypeOffer, Target: "Bob", Offer: json.RawMessage(`{}`)})
	next(t, bob, model.TypeOffer)

	got := next(t, alice, model.TypeReject)
	if got.Callee != "Bob" || got.Message != router.ReasonNoAnswer {
		t.Fatalf("bad timeout reject: %s", spew.Sdump(got))
	}
	if got = next(t, bob, model.TypeHangup); got.Caller != "Alice" {
		t.Fatalf("bad timeout hangup: %s", spew.Sdump(got))
	}
	for _, p := range reg.ListAll() {
		if p.State != model.Available {
			t.Fatalf("%s left in %s", p.ID, p.State)
		}
	}
}

func TestSwitchAnsweredCallOutlivesRingTimeout(t *testing.T) {
	sw, reg := startSwitch(t, 30*time.Millisecond)

	alice := loginAs(t, sw, "Alice")
	bob := loginAs(t, sw, "Bob")

	submit(t, sw, alice, model.Inbound{Type: model.TypeOffer, Target: "Bob", Offer: json.RawMessage(`{}`)})
	next(t, bob, model.TypeOffer)
	submit(t, sw, bob, model.Inbound{Type: model.TypeAnswer, Target: "Alice", Answer: json.RawMessage(`{}`)})
	next(t, alice, model.TypeAnswer)

	time.Sleep(100 * time.Millisecond)
	// flush the loop so any timeout event has been handled
	loginAs(t, sw, "Carol")

	for _, id := range []string{"Alice", "Bob"} {
		if p, _ := reg.Lookup(id); p.State != model.InCall {
			t.Fatalf("%s is %s, want InCall", id, p.State)
		}
	}
}

func TestSwitchDropsForSlowAndClosedReceivers(t *testing.T) {
	sw, reg := startSwitch(t, 0)

	// no buffer at all: every delivery to this wire is dropped
	stuck := model.NewWire(0)
	submit(t, sw, stuck, model.Inbound{Type: model.TypeLogin, Username: "Stuck"})

	gone := loginAs(t, sw, "Gone")
	gone.Close()

	// these logins broadcast presence to both; none of it may block the loop
	for _, name := range []string{"A", "B", "C"} {
		loginAs(t, sw, name)
	}
	if reg.Len() != 5 {
		t.Fatalf("registry has %d participants, want 5", reg.Len())
	}
}

func TestSwitchStopped(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(Config{Registry: memory.NewRegistry(), Logger: &logger})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go sw.Run(ctx, wg)
	cancel()
	wg.Wait()

	w := model.NewWire(1)
	if err := sw.Submit(context.Background(), w, model.Inbound{Type: model.TypeLogin}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop: got %v, want ErrStopped", err)
	}
	if err := sw.Disconnect(context.Background(), w); !errors.Is(err, ErrStopped) {
		t.Fatalf("disconnect after stop: got %v, want ErrStopped", err)
	}
}

func TestSwitchSubmitHonorsContext(t *testing.T) {
	logger := zerolog.Nop()
	// not running, so the single inbox slot fills up
	sw := NewSwitch(Config{Registry: memory.NewRegistry(), Logger: &logger, InboxSize: 1})
	w := model.NewWire(1)

	if err := sw.Submit(context.Background(), w, model.Inbound{Type: model.TypeLogin}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sw.Submit(ctx, w, model.Inbound{Type: model.TypeLogin}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
