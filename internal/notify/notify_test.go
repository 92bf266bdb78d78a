package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
	panics bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, event Event) error {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDeliversAsync(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 4, time.Second)
	if !d.Publish(Event{Type: EventTxConfirmed, TxID: "tx-1"}) {
		t.Fatalf("publish dropped")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("delivered %d events", sink.count())
	}
	if d.Publish(Event{Type: EventTxConfirmed}) {
		t.Fatalf("publish after close accepted")
	}
}

func TestDispatcherNeverBlocksPublisher(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, time.Second)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(Event{Type: EventTxNotify})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a stuck sink")
	}
	if d.Dropped() == 0 {
		t.Fatalf("expected drops with a full buffer")
	}
	close(sink.block)
	_ = d.Close(context.Background())
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	d := NewDispatcher(&recordingSink{panics: true}, 2, time.Second)
	d.Publish(Event{Type: EventTxFailed})
	d.Publish(Event{Type: EventTxFailed})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("dispatcher died after panic: %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	err := NewFanout(ok, nil, bad).Send(context.Background(), Event{Type: EventTxConfirmed})
	if err == nil {
		t.Fatalf("expected error from failing sink")
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatalf("every sink should be tried")
	}
}

func TestWebhookSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-AgentVault-Event") != string(EventTxConfirmed) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	if err := sink.Send(context.Background(), Event{Type: EventTxConfirmed, TxID: "tx-9"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.TxID != "tx-9" {
		t.Fatalf("server got %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := NewWebhookSink(failing.URL, time.Second).Send(context.Background(), Event{Type: EventTxFailed}); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int32
		symbol   string
		want     string
	}{
		{"1234500000000000000000", 18, "ETH", "1,234.5 ETH"},
		{"1000000000", 9, "SOL", "1 SOL"},
		{"5", 6, "", "0.000005"},
	}
	for _, tc := range cases {
		v, _ := new(big.Int).SetString(tc.amount, 10)
		if got := FormatAmount(v, tc.decimals, tc.symbol); got != tc.want {
			t.Errorf("FormatAmount(%s) = %q, want %q", tc.amount, got, tc.want)
		}
	}
	if got := FormatUSD(decimal.RequireFromString("12345.678")); got != "$12,345.68" {
		t.Errorf("FormatUSD = %q", got)
	}
}
