package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rabbitmq/amqp091-go"
)

type recording struct {
	events []string
	err    error
}

func (r *recording) Emit(_ context.Context, event string, _ Scope, _ any) error {
	r.events = append(r.events, event)
	return r.err
}

func TestMultiEmitsToAll(t *testing.T) {
	failing := &recording{err: errors.New("down")}
	ok := &recording{}
	err := Multi{failing, ok}.Emit(context.Background(), EventNewMessage, Org("org"), nil)
	if err == nil {
		t.Fatalf("expected first error to be returned")
	}
	if len(ok.events) != 1 {
		t.Fatalf("second notifier should still receive the event")
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(EventHandoffTransferred, Org("org-1")); got != "handoff.transferred.org-1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := RoutingKey(EventNewMessage, Scope{}); got != "new.message.global" {
		t.Fatalf("unexpected key %q", got)
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp091.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestRabbitPublisherEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	p := &RabbitPublisher{channel: ch, exchange: "zapdesk.events"}
	if err := p.Emit(context.Background(), EventHumanRequired, User("org-1", "u-1"), map[string]string{"conversationId": "c1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if ch.exchange != "zapdesk.events" || ch.key != "human.required.org-1" {
		t.Fatalf("unexpected routing %s %s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp091.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing %+v", ch.msg)
	}
	var env Envelope
	if err := json.Unmarshal(ch.msg.Body, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Meta.ID == "" || env.Meta.ID != ch.msg.MessageId || env.Meta.Type != EventHumanRequired {
		t.Fatalf("unexpected meta %+v", env.Meta)
	}
	if env.Scope.UserID != "u-1" {
		t.Fatalf("unexpected scope %+v", env.Scope)
	}
}

func TestScopeMatching(t *testing.T) {
	cases := []struct {
		sub, target Scope
		want        bool
	}{
		{Org("a"), Org("a"), true},
		{Org("a"), Org("b"), false},
		{User("a", "u1"), Org("a"), true},
		{Org("a"), User("a", "u1"), false},
		{User("a", "u1"), User("a", "u1"), true},
		{User("a", "u2"), User("a", "u1"), false},
	}
	for _, tc := range cases {
		if got := matches(tc.sub, tc.target); got != tc.want {
			t.Fatalf("matches(%+v, %+v) = %v, want %v", tc.sub, tc.target, got, tc.want)
		}
	}
}

func TestHubDeliversScopedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?organization=org-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client did not register")
	}

	_ = hub.Emit(ctx, EventWhatsAppStatus, Org("org-2"), "ignored")
	_ = hub.Emit(ctx, EventWhatsAppStatus, Org("org-1"), "open")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventWhatsAppStatus || ev.Data != "open" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
