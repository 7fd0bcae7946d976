package instances

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"zapdesk/internal/db"
	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

type fakeGateway struct {
	created   []string
	connects  int
	logouts   int
	pairing   gateway.Pairing
	logoutErr error
}

func (g *fakeGateway) CreateInstance(_ context.Context, name string) error {
	g.created = append(g.created, name)
	return nil
}

func (g *fakeGateway) Connect(context.Context, string) (*gateway.Pairing, error) {
	g.connects++
	p := g.pairing
	return &p, nil
}

func (g *fakeGateway) ConnectionState(context.Context, string) (models.ConnectionState, error) {
	return models.StateOpen, nil
}

func (g *fakeGateway) SendText(context.Context, string, string, string) (*gateway.SendResult, error) {
	return &gateway.SendResult{}, nil
}

func (g *fakeGateway) SendMedia(context.Context, string, string, gateway.MediaMessage) (*gateway.SendResult, error) {
	return &gateway.SendResult{}, nil
}

func (g *fakeGateway) Logout(context.Context, string) error {
	g.logouts++
	return g.logoutErr
}

type recorder struct {
	events []string
	data   []any
}

func (r *recorder) Emit(_ context.Context, event string, _ notifier.Scope, data any) error {
	r.events = append(r.events, event)
	r.data = append(r.data, data)
	return nil
}

func newManager(t *testing.T) (*Manager, *store.Store, *fakeGateway, *recorder) {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "instances.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	s := store.New(conn)
	gw := &fakeGateway{pairing: gateway.Pairing{Code: "2@pair-code"}}
	rec := &recorder{}
	return NewManager(s, gw, rec), s, gw, rec
}

func TestConnectCreatesOnFirstUse(t *testing.T) {
	m, s, gw, rec := newManager(t)
	ctx := context.Background()

	res, err := m.Connect(ctx, "org-1", "user-1", "shop")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !res.Created || len(gw.created) != 1 {
		t.Fatalf("expected the instance to be created once, got %+v %v", res, gw.created)
	}
	if !strings.HasPrefix(res.QRCode, "data:image/png;base64,") {
		t.Fatalf("expected a rendered QR data url, got %q", res.QRCode)
	}

	stored, err := s.GetInstanceByName(ctx, "shop")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.State != models.StateConnecting || stored.PairingCode != "2@pair-code" {
		t.Fatalf("unexpected stored instance %+v", stored)
	}
	if len(rec.events) != 1 || rec.events[0] != notifier.EventWhatsAppQRCode {
		t.Fatalf("expected one qrcode event, got %v", rec.events)
	}

	res, err = m.Connect(ctx, "org-1", "user-1", "shop")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if res.Created || len(gw.created) != 1 || gw.connects != 2 {
		t.Fatalf("second connect should only pair again")
	}
}

func TestConnectRejectsForeignOrganization(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "org-1", "", "shop"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Connect(ctx, "org-2", "", "shop"); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestConnectResumedSessionSkipsQR(t *testing.T) {
	m, _, gw, rec := newManager(t)
	gw.pairing = gateway.Pairing{}
	res, err := m.Connect(context.Background(), "org-1", "", "shop")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.QRCode != "" || len(rec.events) != 0 {
		t.Fatalf("no QR expected for a resumed session")
	}
}

func TestLogoutMarksClosed(t *testing.T) {
	m, s, gw, rec := newManager(t)
	ctx := context.Background()
	res, err := m.Connect(ctx, "org-1", "", "shop")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	gw.logoutErr = gateway.Classify("logout", 404, gateway.ErrInstanceNotFound)

	if err := m.Logout(ctx, res.Instance.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	inst, _ := s.GetInstance(ctx, res.Instance.ID)
	if inst.State != models.StateClosed {
		t.Fatalf("expected closed, got %s", inst.State)
	}
	if rec.events[len(rec.events)-1] != notifier.EventWhatsAppStatus {
		t.Fatalf("expected a status event, got %v", rec.events)
	}
}
