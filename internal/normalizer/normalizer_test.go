package normalizer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"zapdesk/internal/db"
	"zapdesk/internal/events"
	"zapdesk/internal/handoff"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/responder"
	"zapdesk/internal/store"
)

var baseTime = time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

type fakeResponder struct {
	analysis  responder.Analysis
	reply     string
	analyzed  int
	generated int
	panicOn   string
}

func (r *fakeResponder) Analyze(_ context.Context, message string, _ responder.Context) (*responder.Analysis, error) {
	if r.panicOn != "" && message == r.panicOn {
		panic("responder exploded")
	}
	r.analyzed++
	a := r.analysis
	return &a, nil
}

func (r *fakeResponder) GenerateResponse(context.Context, *responder.Analysis, responder.Context) (string, error) {
	r.generated++
	return r.reply, nil
}

type recorder struct{ events []string }

func (r *recorder) Emit(_ context.Context, event string, _ notifier.Scope, _ any) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) has(event string) bool {
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type tracker struct{ marked []string }

func (t *tracker) MarkReconnected(_ context.Context, id string) { t.marked = append(t.marked, id) }

type fixture struct {
	store *store.Store
	norm  *Normalizer
	resp  *fakeResponder
	rec   *recorder
	track *tracker
	inst  *models.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "normalizer.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	now := func() time.Time { return baseTime }
	s := store.New(conn, store.WithClock(now))
	inst := &models.Instance{Name: "shop", OrganizationID: "org-1", State: models.StateOpen}
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("instance: %v", err)
	}

	rec := &recorder{}
	resp := &fakeResponder{analysis: responder.Analysis{Intent: "greeting", Confidence: 0.9, Urgency: responder.UrgencyLow}, reply: "Olá!"}
	track := &tracker{}
	machine := handoff.NewMachine(s, s, rec, handoff.Config{TransferMessage: "Transferindo."}, handoff.WithClock(now))
	norm := New(s, machine, s, rec, Config{HandoffKeywords: []string{"humano", "agent"}},
		WithClock(now), WithResponder(resp), WithReconnectTracker(track))
	return &fixture{store: s, norm: norm, resp: resp, rec: rec, track: track, inst: inst}
}

func inbound(id, text string) events.Event {
	return events.Event{
		Provider:     "evolution",
		InstanceName: "shop",
		ReceivedAt:   baseTime,
		Payload: events.InboundMessage{
			ExternalID:    id,
			RemoteAddress: "5511999990000",
			PushName:      "Ana",
			Type:          models.TypeText,
			Text:          text,
			Timestamp:     baseTime,
		},
	}
}

func (f *fixture) conversation(t *testing.T) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	contact, err := f.store.FindOrCreateContact(ctx, "org-1", f.inst.ID, "5511999990000", "")
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	conv, _, err := f.store.FindOrCreateConversation(ctx, "org-1", f.inst.ID, contact.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	return conv
}

func (f *fixture) due(t *testing.T) []models.QueuedMessage {
	t.Helper()
	items, err := f.store.ListDue(context.Background(), baseTime.Add(time.Hour), 50)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	return items
}

func TestDuplicateDeliveryStoresOnceAndRepliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if res := f.norm.Handle(ctx, inbound("m1", "oi")); res.Outcome != OutcomeProcessed {
		t.Fatalf("first delivery: %+v", res)
	}
	if res := f.norm.Handle(ctx, inbound("m1", "oi")); res.Outcome != OutcomeDuplicate {
		t.Fatalf("second delivery: %+v", res)
	}

	conv := f.conversation(t)
	msgs, _ := f.store.ListRecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected one message row, got %d", len(msgs))
	}
	if f.resp.generated != 1 || len(f.due(t)) != 1 {
		t.Fatalf("expected one reply, generated=%d queued=%d", f.resp.generated, len(f.due(t)))
	}
	if conv.LastMessage != "oi" {
		t.Fatalf("conversation preview %q", conv.LastMessage)
	}
	if !f.rec.has(notifier.EventNewMessage) {
		t.Fatalf("new_message not emitted")
	}
}

func TestDuplicateDetectedAfterCacheLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.norm.Handle(ctx, inbound("m1", "oi"))
	f.norm.seen.Flush()
	if res := f.norm.Handle(ctx, inbound("m1", "oi")); res.Outcome != OutcomeDuplicate {
		t.Fatalf("store lookup should catch the duplicate: %+v", res)
	}
}

func TestHumanConversationGetsNoReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.norm.Handle(ctx, inbound("m1", "oi"))
	conv := f.conversation(t)
	machine := handoff.NewMachine(f.store, f.store, nil, handoff.Config{})
	if res := machine.DisableAI(ctx, conv.ID, "", "", "agent"); !res.Success {
		t.Fatalf("disable: %+v", res)
	}

	f.norm.Handle(ctx, inbound("m2", "tem alguém?"))
	if f.resp.analyzed != 1 || f.resp.generated != 1 {
		t.Fatalf("responder must not run for human conversations: %+v", f.resp)
	}
}

func TestKeywordEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.norm.Handle(ctx, inbound("m1", "Quero falar com um HUMANO"))
	if res.Outcome != OutcomeProcessed || !strings.Contains(res.Detail, "keyword") {
		t.Fatalf("unexpected result %+v", res)
	}
	conv := f.conversation(t)
	if conv.Handler != models.HandlerHuman {
		t.Fatalf("expected human handler, got %s", conv.Handler)
	}
	rec, err := f.store.LatestHandoffRecord(ctx, conv.ID)
	if err != nil || rec.Trigger != models.TriggerKeyword {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}
	if f.resp.analyzed != 0 {
		t.Fatalf("responder should not be consulted")
	}
	due := f.due(t)
	if len(due) != 1 || due[0].Content != "Transferindo." {
		t.Fatalf("expected the transfer message, got %+v", due)
	}
}

func TestResponderEscalation(t *testing.T) {
	f := newFixture(t)
	f.resp.analysis = responder.Analysis{Intent: "complaint", Urgency: responder.UrgencyHigh, Escalate: true, Reason: "angry customer"}
	f.norm.Handle(context.Background(), inbound("m1", "isso é um absurdo"))

	conv := f.conversation(t)
	rec, err := f.store.LatestHandoffRecord(context.Background(), conv.ID)
	if err != nil || rec.Trigger != models.TriggerAuto || rec.Reason != "angry customer" {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}
	if f.resp.generated != 0 {
		t.Fatalf("no reply expected on escalation")
	}
}

func TestReplyIsFragmentedWithStaggeredPriority(t *testing.T) {
	f := newFixture(t)
	f.resp.reply = "Olá!\n\nTemos três planos.\n\nQual prefere?\n\nResponda quando puder."
	f.norm.Handle(context.Background(), inbound("m1", "quais planos?"))

	due := f.due(t)
	if len(due) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(due))
	}
	for i, item := range due {
		if item.Priority != 5-i {
			t.Fatalf("fragment %d priority %d", i, item.Priority)
		}
		if want := baseTime.Add(time.Duration(i) * 2 * time.Second); !item.NextAttemptAt.Equal(want) {
			t.Fatalf("fragment %d eligible at %v, want %v", i, item.NextAttemptAt, want)
		}
	}
	if due[0].Content != "Olá!" || !strings.HasSuffix(due[2].Content, "Responda quando puder.") {
		t.Fatalf("unexpected fragments %+v", due)
	}
}

func TestAutoReplyRespectsSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.store.SaveOrganizationSettings(ctx, &models.OrganizationSettings{
		OrganizationID:   "org-1",
		AutoReplyEnabled: true,
		BusinessHours:    "* 9-17 * * *",
		Timezone:         "America/Sao_Paulo",
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	// 13:00 UTC is 10:00 in São Paulo
	f.norm.Handle(ctx, inbound("m1", "bom dia"))
	if f.resp.generated != 1 {
		t.Fatalf("expected a reply inside business hours")
	}

	f.store.SaveOrganizationSettings(ctx, &models.OrganizationSettings{OrganizationID: "org-1", AutoReplyEnabled: false})
	f.norm.Handle(ctx, inbound("m2", "oi de novo"))
	if f.resp.generated != 1 {
		t.Fatalf("auto-reply disabled must not generate")
	}
}

func TestInBusinessHours(t *testing.T) {
	s := &models.OrganizationSettings{BusinessHours: "* 9-17 * * 1-5", Timezone: "America/Sao_Paulo"}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC), true},  // Monday 10:00 local
		{time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC), false}, // Monday 20:00 local
		{time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), false}, // Sunday
	}
	for _, tc := range cases {
		if got := InBusinessHours(s, tc.at); got != tc.want {
			t.Fatalf("InBusinessHours(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
	if !InBusinessHours(&models.OrganizationSettings{}, time.Now()) {
		t.Fatalf("empty window means always open")
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.norm.Handle(ctx, inbound("m1", "oi"))

	status := func(s models.MessageStatus) Result {
		return f.norm.Handle(ctx, events.Event{InstanceName: "shop", Payload: events.StatusUpdate{ExternalIDs: []string{"m1"}, Status: s}})
	}
	if res := status(models.MessageRead); res.Outcome != OutcomeProcessed {
		t.Fatalf("read: %+v", res)
	}
	if res := status(models.MessageDelivered); res.Outcome != OutcomeIgnored {
		t.Fatalf("delivered after read should be ignored: %+v", res)
	}
	msg, _ := f.store.GetMessageByExternalID(ctx, f.inst.ID, "m1")
	if msg.Status != models.MessageRead {
		t.Fatalf("status %s", msg.Status)
	}

	res := f.norm.Handle(ctx, events.Event{InstanceName: "shop", Payload: events.MessageDeletion{ExternalID: "m1"}})
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("delete: %+v", res)
	}
	msg, _ = f.store.GetMessageByExternalID(ctx, f.inst.ID, "m1")
	if msg.Status != models.MessageDeleted {
		t.Fatalf("expected soft delete, got %s", msg.Status)
	}
}

func TestConnectionOpenMarksReconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.UpdateInstanceState(ctx, f.inst.ID, models.StateClosed)

	res := f.norm.Handle(ctx, events.Event{InstanceName: "shop", Payload: events.ConnectionUpdate{State: models.StateOpen}})
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("connection: %+v", res)
	}
	if len(f.track.marked) != 1 || f.track.marked[0] != f.inst.ID {
		t.Fatalf("reconnect not marked: %v", f.track.marked)
	}
	inst, _ := f.store.GetInstance(ctx, f.inst.ID)
	if inst.State != models.StateOpen || inst.LastHeartbeatAt == nil {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if !f.rec.has(notifier.EventWhatsAppStatus) {
		t.Fatalf("status not emitted")
	}
}

func TestQRCodeIsRendered(t *testing.T) {
	f := newFixture(t)
	res := f.norm.Handle(context.Background(), events.Event{InstanceName: "shop", Payload: events.QRUpdate{Code: "2@abc"}})
	if res.Outcome != OutcomeProcessed || !f.rec.has(notifier.EventWhatsAppQRCode) {
		t.Fatalf("qr: %+v %v", res, f.rec.events)
	}
	inst, _ := f.store.GetInstance(context.Background(), f.inst.ID)
	if inst.PairingCode != "2@abc" {
		t.Fatalf("pairing code not stored")
	}
}

func TestContactUpdateRenames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.norm.Handle(ctx, inbound("m1", "oi"))
	res := f.norm.Handle(ctx, events.Event{InstanceName: "shop", Payload: events.ContactUpdate{RemoteAddress: "5511999990000", Name: "Ana Souza"}})
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("contact: %+v", res)
	}
	contact, _ := f.store.FindOrCreateContact(ctx, "org-1", f.inst.ID, "5511999990000", "")
	if contact.Name != "Ana Souza" {
		t.Fatalf("name %q", contact.Name)
	}
}

func TestFailuresNeverEscape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if res := f.norm.Handle(ctx, events.Event{InstanceName: "ghost", Payload: events.PresenceUpdate{}}); res.Outcome != OutcomeIgnored {
		t.Fatalf("unknown instance: %+v", res)
	}
	if res := f.norm.Handle(ctx, events.Event{InstanceName: "shop", Payload: events.Unknown{Type: "labels.edit"}}); res.Outcome != OutcomeIgnored {
		t.Fatalf("unknown kind: %+v", res)
	}

	f.resp.panicOn = "boom"
	res := f.norm.Handle(ctx, inbound("m9", "boom"))
	if res.Outcome != OutcomeFailed || res.Kind != events.KindMessageReceived {
		t.Fatalf("panic should become a failed result: %+v", res)
	}
	// the message itself was stored before the responder ran
	if ok, _ := f.store.MessageExists(ctx, f.inst.ID, "m9"); !ok {
		t.Fatalf("message should be persisted")
	}
}
