package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zapdesk/internal/db"
	"zapdesk/internal/models"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	clock := &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	return New(conn, WithClock(clock.now)), clock
}

func seedConversation(t *testing.T, s *Store) (*models.Instance, *models.Conversation) {
	t.Helper()
	ctx := context.Background()
	inst := &models.Instance{Name: "shop-1", OrganizationID: "org-1", State: models.StateOpen}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	contact, err := s.FindOrCreateContact(ctx, "org-1", inst.ID, "5511999990000", "Ana")
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	conv, created, err := s.FindOrCreateConversation(ctx, "org-1", inst.ID, contact.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if !created {
		t.Fatalf("expected a new conversation")
	}
	return inst, conv
}

func TestCreateInstanceRejectsDuplicateName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateInstance(ctx, &models.Instance{Name: "a", OrganizationID: "org"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateInstance(ctx, &models.Instance{Name: "a", OrganizationID: "org"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestInstanceStateAndHeartbeat(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	inst := &models.Instance{Name: "a", OrganizationID: "org"}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.State != models.StateCreated {
		t.Fatalf("expected created state, got %s", inst.State)
	}
	if err := s.UpdateInstanceState(ctx, inst.ID, models.StateOpen); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := s.RecordHeartbeat(ctx, inst.ID, clock.now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err := s.GetInstanceByName(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateOpen {
		t.Fatalf("expected open, got %s", got.State)
	}
	if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(clock.now()) {
		t.Fatalf("unexpected heartbeat %v", got.LastHeartbeatAt)
	}
	if err := s.UpdateInstanceState(ctx, "missing", models.StateOpen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOrganizationSettingsUpsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetOrganizationSettings(ctx, "org"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	settings := &models.OrganizationSettings{OrganizationID: "org", AutoReplyEnabled: true, BusinessHours: "* 8-17 * * 1-5"}
	if err := s.SaveOrganizationSettings(ctx, settings); err != nil {
		t.Fatalf("save: %v", err)
	}
	settings.AutoReplyEnabled = false
	if err := s.SaveOrganizationSettings(ctx, settings); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := s.GetOrganizationSettings(ctx, "org")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AutoReplyEnabled || got.BusinessHours != "* 8-17 * * 1-5" {
		t.Fatalf("unexpected settings %+v", got)
	}
}

func TestFindOrCreateConversationIsStable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	inst, conv := seedConversation(t, s)
	if conv.Handler != models.HandlerAI || conv.NeedsHumanAttention {
		t.Fatalf("new conversation should start with ai and no attention flag: %+v", conv)
	}

	contact, err := s.FindOrCreateContact(ctx, "org-1", inst.ID, "5511999990000", "Ana Maria")
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if contact.Name != "Ana Maria" {
		t.Fatalf("expected refreshed name, got %q", contact.Name)
	}
	again, created, err := s.FindOrCreateConversation(ctx, "org-1", inst.ID, contact.ID)
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if created || again.ID != conv.ID {
		t.Fatalf("expected existing conversation %s, got %s (created=%v)", conv.ID, again.ID, created)
	}
}

func TestInsertMessageDeduplicatesByExternalID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	inst, conv := seedConversation(t, s)

	msg := func() *models.Message {
		return &models.Message{
			ConversationID: conv.ID,
			InstanceID:     inst.ID,
			Direction:      models.DirectionInbound,
			Type:           models.TypeText,
			Content:        "oi",
			ExternalID:     "m1",
			Status:         models.MessageReceived,
		}
	}
	if err := s.InsertMessage(ctx, msg()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertMessage(ctx, msg()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	msgs, err := s.ListRecentMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
}

func TestAdvanceMessageStatusOnlyMovesForward(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	inst, conv := seedConversation(t, s)
	err := s.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ID, InstanceID: inst.ID, Direction: models.DirectionOutbound,
		Type: models.TypeText, Content: "hello", ExternalID: "out-1", Status: models.MessageSent,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	steps := []struct {
		status  models.MessageStatus
		changed bool
		want    models.MessageStatus
	}{
		{models.MessageRead, true, models.MessageRead},
		{models.MessageDelivered, false, models.MessageRead},
		{models.MessageSent, false, models.MessageRead},
		{models.MessageDeleted, true, models.MessageDeleted},
		{models.MessageFailed, false, models.MessageDeleted},
	}
	for _, step := range steps {
		changed, err := s.AdvanceMessageStatus(ctx, inst.ID, "out-1", step.status)
		if err != nil {
			t.Fatalf("advance to %s: %v", step.status, err)
		}
		if changed != step.changed {
			t.Fatalf("advance to %s: changed=%v, want %v", step.status, changed, step.changed)
		}
		got, err := s.GetMessageByExternalID(ctx, inst.ID, "out-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != step.want {
			t.Fatalf("after %s: status %s, want %s", step.status, got.Status, step.want)
		}
	}
}

func TestUpdateConversationLastMessageKeepsNewest(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s)

	newer := clock.now().Add(time.Minute)
	if err := s.UpdateConversationLastMessage(ctx, conv.ID, "second", newer); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateConversationLastMessage(ctx, conv.ID, "first", clock.now()); err != nil {
		t.Fatalf("update older: %v", err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessage != "second" {
		t.Fatalf("expected newest summary to win, got %q", got.LastMessage)
	}
	if err := s.UpdateConversationLastMessage(ctx, "missing", "x", newer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDueOrdersByPriorityThenEligibility(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	now := clock.now()

	items := []*models.QueuedMessage{
		{InstanceID: "i", Destination: "a", Content: "p5", Priority: 5, NextAttemptAt: now},
		{InstanceID: "i", Destination: "a", Content: "p10-late", Priority: 10, NextAttemptAt: now.Add(-time.Second)},
		{InstanceID: "i", Destination: "a", Content: "p10-early", Priority: 10, NextAttemptAt: now.Add(-time.Minute)},
		{InstanceID: "i", Destination: "a", Content: "p1", Priority: 1, NextAttemptAt: now},
		{InstanceID: "i", Destination: "a", Content: "future", Priority: 99, NextAttemptAt: now.Add(time.Hour)},
	}
	for _, item := range items {
		item.MaxRetries = 3
		if err := s.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	want := []string{"p10-early", "p10-late", "p5", "p1"}
	if len(due) != len(want) {
		t.Fatalf("expected %d due items, got %d", len(want), len(due))
	}
	for i, w := range want {
		if due[i].Content != w {
			t.Fatalf("position %d: got %q, want %q", i, due[i].Content, w)
		}
	}

	limited, err := s.ListDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(limited))
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	item := &models.QueuedMessage{InstanceID: "i", Destination: "a", Content: "x", MaxRetries: 3}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := s.Claim(ctx, item.ID)
	if err != nil || !first {
		t.Fatalf("first claim: %v %v", first, err)
	}
	second, err := s.Claim(ctx, item.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatalf("an item in sending must not be claimed twice")
	}
	due, err := s.ListDue(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("sending item must not be listed as due")
	}
}

func TestRescheduleRequeueAndRetention(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	item := &models.QueuedMessage{InstanceID: "i", Destination: "a", Content: "x", MaxRetries: 3}
	if err := s.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Reschedule(ctx, item.ID, 1, clock.now(), "boom"); !errors.Is(err, ErrConflict) {
		t.Fatalf("reschedule without claim should conflict, got %v", err)
	}
	if _, err := s.Claim(ctx, item.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	next := clock.now().Add(time.Minute)
	if err := s.Reschedule(ctx, item.ID, 1, next, "boom"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	got, err := s.GetQueuedMessage(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.QueuePending || got.RetryCount != 1 || got.LastError != "boom" || !got.NextAttemptAt.Equal(next) {
		t.Fatalf("unexpected rescheduled item %+v", got)
	}

	if err := s.MarkFailed(ctx, item.ID, "instance not connected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := s.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ = s.GetQueuedMessage(ctx, item.ID)
	if got.Status != models.QueuePending || got.RetryCount != 0 {
		t.Fatalf("unexpected requeued item %+v", got)
	}
	if err := s.Requeue(ctx, item.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("requeue of pending item should conflict, got %v", err)
	}

	if _, err := s.Claim(ctx, item.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkSent(ctx, item.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	removed, err := s.DeleteTerminalBefore(ctx, clock.now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("fresh item must survive the sweep")
	}
	clock.advance(8 * 24 * time.Hour)
	removed, err = s.DeleteTerminalBefore(ctx, clock.now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one swept item, got %d", removed)
	}

	counts, err := s.CountQueueByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.QueueSent] != 0 || counts[models.QueuePending] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestApplyHandoffAppendsRecordOnlyOnChange(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s)

	out, err := s.ApplyHandoff(ctx, HandoffChange{
		ConversationID: conv.ID, To: models.HandlerHuman, NeedsHumanAttention: true,
		Reason: "urgent", Trigger: models.TriggerAuto,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.From != models.HandlerAI || out.Record == nil || out.Record.Sequence != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	clock.advance(time.Second)
	out, err = s.ApplyHandoff(ctx, HandoffChange{
		ConversationID: conv.ID, To: models.HandlerHuman, NeedsHumanAttention: true,
		Reason: "again", Trigger: models.TriggerManual, Actor: "op-1",
	})
	if err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if out.Record != nil {
		t.Fatalf("repeated transition must not append a record")
	}
	if out.Conversation.LastHandoffBy != "op-1" {
		t.Fatalf("repeated transition should refresh actor, got %q", out.Conversation.LastHandoffBy)
	}

	if _, err := s.ApplyHandoff(ctx, HandoffChange{ConversationID: conv.ID, To: models.HandlerAI, Trigger: models.TriggerManual}); err != nil {
		t.Fatalf("back to ai: %v", err)
	}
	records, err := s.ListHandoffRecords(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[1].Sequence != 2 || records[1].ToHandler != models.HandlerAI {
		t.Fatalf("unexpected records %+v", records)
	}
	latest, err := s.LatestHandoffRecord(ctx, conv.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	got, _ := s.GetConversation(ctx, conv.ID)
	if latest.ToHandler != got.Handler {
		t.Fatalf("handler %s differs from latest record %s", got.Handler, latest.ToHandler)
	}

	if _, err := s.ApplyHandoff(ctx, HandoffChange{ConversationID: "missing", To: models.HandlerAI}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
