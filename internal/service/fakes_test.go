package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/plate"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/internal/subscription"
	"go.uber.org/zap"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ParkingSession
	payments map[string]*models.Payment
	balances map[string]int64
	settles  int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*models.ParkingSession),
		payments: make(map[string]*models.Payment),
		balances: make(map[string]int64),
	}
}

func (m *memStore) Create(_ context.Context, s *models.ParkingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.TagID == s.TagID && existing.IsActive() {
			return repository.ErrConflict
		}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) Update(_ context.Context, s *models.ParkingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return repository.ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*models.ParkingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) ListActive(context.Context) ([]*models.ParkingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ParkingSession
	for _, s := range m.sessions {
		if s.IsActive() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *memStore) Settle(_ context.Context, s *models.ParkingSession, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[s.ID]; ok {
		return repository.ErrConflict
	}
	if p.Method == models.MethodBalance {
		bal, ok := m.balances[models.PlateOrEmpty(s.OwnerID)]
		if !ok {
			return repository.ErrNotFound
		}
		if bal < p.Amount {
			return repository.ErrInsufficientBalance
		}
		m.balances[*s.OwnerID] = bal - p.Amount
	}
	m.settles++
	m.payments[s.ID] = p
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) CountActiveSubscriptionSessions(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.IsActive() && s.PaymentType == models.PaymentSubscription && models.PlateOrEmpty(s.OwnerID) == ownerID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) activeForTag(tagID string) []*models.ParkingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ParkingSession
	for _, s := range m.sessions {
		if s.TagID == tagID && s.IsActive() {
			out = append(out, s.Clone())
		}
	}
	return out
}

func (m *memStore) get(id string) *models.ParkingSession {
	s, _ := m.GetByID(context.Background(), id)
	return s
}

type sentOutcome struct {
	outcome Outcome
	command *models.GateCommand
}

type recordingNotifier struct {
	mu       sync.Mutex
	requests []models.CaptureRequest
	results  []models.CaptureResult
	outcomes []sentOutcome
}

func (n *recordingNotifier) CaptureRequested(_ context.Context, req models.CaptureRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
}

func (n *recordingNotifier) CaptureResult(_ context.Context, res models.CaptureResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func (n *recordingNotifier) Outcome(_ context.Context, o Outcome, cmd *models.GateCommand) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, sentOutcome{outcome: o, command: cmd})
}

func (n *recordingNotifier) outcomeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outcomes)
}

func (n *recordingNotifier) last() sentOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.outcomes) == 0 {
		return sentOutcome{}
	}
	return n.outcomes[len(n.outcomes)-1]
}

type memMailbox struct {
	mu   sync.Mutex
	cmds map[string]models.GateCommand
}

func (m *memMailbox) Put(_ context.Context, cmd models.GateCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmds == nil {
		m.cmds = make(map[string]models.GateCommand)
	}
	m.cmds[cmd.TagID] = cmd
	return nil
}

func (m *memMailbox) Take(_ context.Context, tagID string) (*models.GateCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.cmds[tagID]
	if !ok {
		return nil, nil
	}
	delete(m.cmds, tagID)
	return &cmd, nil
}

type onceCooldown struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *onceCooldown) Allow(_ context.Context, tagID string, station models.Station) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	key := tagID + station.String()
	if c.seen[key] {
		return false, nil
	}
	c.seen[key] = true
	return true, nil
}

type recognizerFunc func(ctx context.Context, image string) (string, error)

func (f recognizerFunc) Recognize(ctx context.Context, image string) (string, error) {
	return f(ctx, image)
}

type fakeRegistry struct {
	vehicles []models.RegisteredVehicle
	subs     []*models.Subscription
}

func (f *fakeRegistry) ListRegisteredPlates(_ context.Context, ownerID string) ([]string, error) {
	var out []string
	for _, v := range f.vehicles {
		if v.OwnerID == ownerID {
			out = append(out, v.Plate)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListAllPlates(context.Context) ([]models.RegisteredVehicle, error) {
	return f.vehicles, nil
}

func (f *fakeRegistry) FindActiveSubscription(_ context.Context, ownerID, key string, now time.Time) (*models.Subscription, error) {
	for _, s := range f.subs {
		if s.OwnerID == ownerID && s.IsValidAt(now) && (s.Plate == nil || plate.Key(*s.Plate) == key) {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeRegistry) ExpireSubscriptions(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var ict = time.FixedZone("ICT", 7*3600)

const (
	subscriberPlate = "51-B2 67890"
	visitorPlate    = "30-A1 12345"
)

type harness struct {
	store      *memStore
	notifier   *recordingNotifier
	mailbox    *memMailbox
	registry   *fakeRegistry
	machines   *state.Manager
	coord      *Coordinator
	correlator *Correlator
}

type harnessOption func(*CorrelatorConfig, *harnessDeps)

type harnessDeps struct {
	recognizer Recognizer
	cooldown   Cooldown
}

func withConfig(fn func(*CorrelatorConfig)) harnessOption {
	return func(c *CorrelatorConfig, _ *harnessDeps) { fn(c) }
}

func withRecognizer(r Recognizer) harnessOption {
	return func(_ *CorrelatorConfig, d *harnessDeps) { d.recognizer = r }
}

func withCooldown(cd Cooldown) harnessOption {
	return func(_ *CorrelatorConfig, d *harnessDeps) { d.cooldown = cd }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := DefaultCorrelatorConfig()
	cfg.Location = ict
	deps := &harnessDeps{}
	for _, opt := range opts {
		opt(&cfg, deps)
	}

	now := time.Now()
	registry := &fakeRegistry{
		vehicles: []models.RegisteredVehicle{
			{Plate: "51-B267890", OwnerID: "owner-1", Active: true},
			{Plate: "30-A112345", OwnerID: "owner-2", Active: true},
		},
		subs: []*models.Subscription{{
			ID: "sub-1", OwnerID: "owner-1", Plate: strPtr("51-B267890"),
			StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 1, 0),
			Status: models.SubscriptionActive, PaymentStatus: "paid", VehicleLimit: 1,
		}},
	}

	h := &harness{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		mailbox:  &memMailbox{},
		registry: registry,
		machines: state.NewManager(nil),
	}

	logger := zap.NewNop()
	validator := subscription.NewValidator(registry, logger, subscription.WithUsageCounter(h.store))
	h.coord = NewCoordinator(h.machines, h.store, h.mailbox, h.notifier, logger)
	h.correlator = NewCorrelator(cfg, h.machines, h.store, validator, deps.recognizer, deps.cooldown, h.coord, h.notifier, logger)
	return h
}

func strPtr(s string) *string { return &s }

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, ict)
}

func (h *harness) scan(t *testing.T, tag string, station models.Station, when time.Time) *ScanResult {
	t.Helper()
	res, err := h.correlator.HandleScan(context.Background(), models.ScanEvent{TagID: tag, Station: station, ScannedAt: when})
	if err != nil {
		t.Fatalf("scan %s at %s: %v", tag, station, err)
	}
	return res
}

func (h *harness) capture(t *testing.T, tag string, station models.Station, text string) Outcome {
	t.Helper()
	o, err := h.correlator.HandleCapture(context.Background(), models.CaptureEvent{TagID: tag, Station: station, PlateText: &text})
	if err != nil {
		t.Fatalf("capture %s at %s: %v", tag, station, err)
	}
	return o
}

// park 完成入场和出场刷卡，返回出场抓拍结果
func (h *harness) park(t *testing.T, tag, entryText, exitText string, entry, exit time.Time) Outcome {
	t.Helper()
	h.scan(t, tag, models.StationEntrance, entry)
	h.capture(t, tag, models.StationEntrance, entryText)
	h.scan(t, tag, models.StationExit, exit)
	return h.capture(t, tag, models.StationExit, exitText)
}

var errOCRDown = errors.New("ocr service unavailable")
