// Package health supervises instance connectivity, alerts on repeated
// failures and reconnects dropped sessions.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/notifier"
	"zapdesk/internal/store"
)

type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusUnhealthy    Status = "unhealthy"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Record is the monitor's view of one instance.
type Record struct {
	InstanceID          string                 `json:"instanceId"`
	InstanceName        string                 `json:"instanceName"`
	OrganizationID      string                 `json:"organizationId"`
	UserID              string                 `json:"userId,omitempty"`
	Status              Status                 `json:"status"`
	State               models.ConnectionState `json:"state,omitempty"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	LastCheckedAt       time.Time              `json:"lastCheckedAt"`
	LastHealthyAt       *time.Time             `json:"lastHealthyAt,omitempty"`
	LastError           string                 `json:"lastError,omitempty"`
	ReconnectAttempts   int                    `json:"reconnectAttempts"`
	LastReconnectAt     *time.Time             `json:"lastReconnectAt,omitempty"`
	ReconnectPending    bool                   `json:"reconnectPending"`
}

// Store is the persistence the monitor needs.
type Store interface {
	ListInstances(ctx context.Context) ([]models.Instance, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	UpdateInstanceState(ctx context.Context, id string, state models.ConnectionState) error
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
}

// Reconnector restarts pairing for an instance through the manual connect flow.
type Reconnector interface {
	Reconnect(ctx context.Context, instanceID string) error
}

type Config struct {
	CheckInterval          time.Duration
	AlertThreshold         int
	MaxConsecutiveFailures int
	AutoReconnect          bool
}

// AlertPayload is emitted with health:alert.
type AlertPayload struct {
	InstanceID          string `json:"instanceId"`
	InstanceName        string `json:"instanceName"`
	Status              Status `json:"status"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Message             string `json:"message"`
}

// ReconnectPayload is emitted with health:reconnect.
type ReconnectPayload struct {
	InstanceID   string `json:"instanceId"`
	InstanceName string `json:"instanceName"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// Monitor owns the health records. Nothing else mutates them.
type Monitor struct {
	store     Store
	gateway   gateway.Gateway
	reconnect Reconnector
	notifier  notifier.Notifier
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(s Store, gw gateway.Gateway, r Reconnector, n notifier.Notifier, cfg Config, opts ...Option) *Monitor {
	if n == nil {
		n = notifier.Nop{}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 3
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	m := &Monitor{
		store:     s,
		gateway:   gw,
		reconnect: r,
		notifier:  n,
		cfg:       cfg,
		now:       time.Now,
		records:   make(map[string]*Record),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run checks every instance once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.cfg.CheckInterval).
		Int("alertThreshold", m.cfg.AlertThreshold).
		Int("maxConsecutiveFailures", m.cfg.MaxConsecutiveFailures).
		Bool("autoReconnect", m.cfg.AutoReconnect).
		Msg("Health monitor started")

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll checks every known instance and drops records of vanished ones.
func (m *Monitor) CheckAll(ctx context.Context) []Record {
	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Health check could not list instances")
		return nil
	}

	present := make(map[string]bool, len(instances))
	out := make([]Record, 0, len(instances))
	for i := range instances {
		if ctx.Err() != nil {
			break
		}
		present[instances[i].ID] = true
		out = append(out, m.check(ctx, &instances[i]))
	}
	if ctx.Err() == nil {
		m.Cleanup(present)
	}
	return out
}

// ForceCheck checks one instance outside the poll cycle.
func (m *Monitor) ForceCheck(ctx context.Context, instanceID string) (Record, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.mu.Lock()
			delete(m.records, instanceID)
			m.mu.Unlock()
		}
		return Record{}, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	return m.check(ctx, inst), nil
}

func classify(state models.ConnectionState, err error) Status {
	if err != nil {
		return StatusError
	}
	switch state {
	case models.StateOpen:
		return StatusHealthy
	case models.StateClosed:
		return StatusDisconnected
	case models.StateError:
		return StatusError
	default:
		return StatusUnhealthy
	}
}

func (m *Monitor) check(ctx context.Context, inst *models.Instance) Record {
	state, err := m.gateway.ConnectionState(ctx, inst.Name)
	status := classify(state, err)
	now := m.now().UTC()

	if err == nil {
		m.persistState(ctx, inst, state, now)
	}

	m.mu.Lock()
	rec := m.recordFor(inst)
	rec.Status = status
	rec.State = state
	rec.LastCheckedAt = now
	rec.LastError = ""
	if err != nil {
		rec.LastError = err.Error()
	}
	if status == StatusHealthy {
		rec.ConsecutiveFailures = 0
		rec.LastHealthyAt = &now
		rec.ReconnectPending = false
	} else {
		rec.ConsecutiveFailures++
	}
	alert := status != StatusHealthy && rec.ConsecutiveFailures >= m.cfg.AlertThreshold
	reconnect := m.cfg.AutoReconnect &&
		m.reconnect != nil &&
		status == StatusDisconnected &&
		rec.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures
	failures := rec.ConsecutiveFailures
	if reconnect {
		// reset when the attempt starts, whatever its outcome
		rec.ConsecutiveFailures = 0
		rec.ReconnectAttempts++
		rec.LastReconnectAt = &now
		rec.ReconnectPending = true
	}
	m.mu.Unlock()

	logEvent := log.Debug()
	if status != StatusHealthy {
		logEvent = log.Warn()
	}
	logEvent.
		Str("instance", inst.Name).
		Str("status", string(status)).
		Str("state", string(state)).
		Int("consecutiveFailures", failures).
		Err(err).
		Msg("Instance health checked")

	if alert {
		m.alert(ctx, inst, status, failures)
	}
	if reconnect {
		m.attemptReconnect(ctx, inst)
	}
	return m.snapshotOf(inst.ID)
}

func (m *Monitor) persistState(ctx context.Context, inst *models.Instance, state models.ConnectionState, now time.Time) {
	if state != "" && state != inst.State {
		if err := m.store.UpdateInstanceState(ctx, inst.ID, state); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("Could not store instance state")
		}
	}
	if state == models.StateOpen {
		if err := m.store.RecordHeartbeat(ctx, inst.ID, now); err != nil {
			log.Warn().Err(err).Str("instance", inst.Name).Msg("Could not store heartbeat")
		}
	}
}

// recordFor must be called with mu held.
func (m *Monitor) recordFor(inst *models.Instance) *Record {
	rec, ok := m.records[inst.ID]
	if !ok {
		rec = &Record{InstanceID: inst.ID}
		m.records[inst.ID] = rec
	}
	rec.InstanceName = inst.Name
	rec.OrganizationID = inst.OrganizationID
	rec.UserID = inst.UserID
	return rec
}

func (m *Monitor) alert(ctx context.Context, inst *models.Instance, status Status, failures int) {
	p := AlertPayload{
		InstanceID:          inst.ID,
		InstanceName:        inst.Name,
		Status:              status,
		ConsecutiveFailures: failures,
		Message:             fmt.Sprintf("instance %s is %s after %d consecutive checks", inst.Name, status, failures),
	}
	_ = m.notifier.Emit(ctx, notifier.EventHealthAlert, notifier.Org(inst.OrganizationID), p)
	if inst.UserID != "" {
		_ = m.notifier.Emit(ctx, notifier.EventHealthAlert, notifier.User(inst.OrganizationID, inst.UserID), p)
	}
}

func (m *Monitor) attemptReconnect(ctx context.Context, inst *models.Instance) {
	log.Info().Str("instance", inst.Name).Msg("Attempting automatic reconnect")
	err := m.reconnect.Reconnect(ctx, inst.ID)

	p := ReconnectPayload{InstanceID: inst.ID, InstanceName: inst.Name, Success: err == nil}
	if err != nil {
		p.Error = err.Error()
		m.mu.Lock()
		if rec, ok := m.records[inst.ID]; ok {
			rec.ReconnectPending = false
			rec.LastError = err.Error()
		}
		m.mu.Unlock()
		log.Error().Err(err).Str("instance", inst.Name).Msg("Automatic reconnect failed")
	}
	_ = m.notifier.Emit(ctx, notifier.EventHealthReconnect, notifier.Org(inst.OrganizationID), p)
}

// MarkReconnected records that the provider reported the instance open again.
func (m *Monitor) MarkReconnected(ctx context.Context, instanceID string) {
	now := m.now().UTC()
	m.mu.Lock()
	rec, ok := m.records[instanceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasPending := rec.ReconnectPending
	rec.Status = StatusHealthy
	rec.State = models.StateOpen
	rec.ConsecutiveFailures = 0
	rec.LastHealthyAt = &now
	rec.LastError = ""
	rec.ReconnectPending = false
	org, name := rec.OrganizationID, rec.InstanceName
	m.mu.Unlock()

	if wasPending {
		log.Info().Str("instance", name).Msg("Automatic reconnect succeeded")
		_ = m.notifier.Emit(ctx, notifier.EventHealthReconnect, notifier.Org(org), ReconnectPayload{
			InstanceID:   instanceID,
			InstanceName: name,
			Success:      true,
		})
	}
}

// Cleanup drops records of instances missing from present and returns how many went.
func (m *Monitor) Cleanup(present map[string]bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.records {
		if !present[id] {
			delete(m.records, id)
			n++
		}
	}
	if n > 0 {
		log.Info().Int("removed", n).Msg("Dropped health records of removed instances")
	}
	return n
}

// Snapshot returns a copy of every record ordered by instance name.
func (m *Monitor) Snapshot() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceName < out[j].InstanceName })
	return out
}

func (m *Monitor) snapshotOf(instanceID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[instanceID]; ok {
		return *rec
	}
	return Record{InstanceID: instanceID}
}
