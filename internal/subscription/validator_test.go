package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/plate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRegistry struct {
	mu        sync.Mutex
	vehicles  []models.RegisteredVehicle
	subs      []*models.Subscription
	findErr   error
	expireErr error
	expired   int
}

func (f *fakeRegistry) ListRegisteredPlates(_ context.Context, ownerID string) ([]string, error) {
	var out []string
	for _, v := range f.vehicles {
		if v.OwnerID == ownerID && v.Active {
			out = append(out, v.Plate)
		}
	}
	return out, nil
}

func (f *fakeRegistry) ListAllPlates(context.Context) ([]models.RegisteredVehicle, error) {
	return f.vehicles, nil
}

func (f *fakeRegistry) FindActiveSubscription(_ context.Context, ownerID, key string, now time.Time) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, s := range f.subs {
		if s.OwnerID != ownerID || !s.IsValidAt(now) {
			continue
		}
		if s.Plate == nil || plate.Key(*s.Plate) == key {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeRegistry) ExpireSubscriptions(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expireErr != nil {
		return 0, f.expireErr
	}
	var n int64
	for _, s := range f.subs {
		if s.Status == models.SubscriptionActive && s.EndDate.Before(now) {
			s.Status = models.SubscriptionExpired
			n++
		}
	}
	f.expired += int(n)
	return n, nil
}

type fakeUsage struct {
	count int
	err   error
}

func (f fakeUsage) CountActiveSubscriptionSessions(context.Context, string) (int, error) {
	return f.count, f.err
}

var now = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func newRegistry() *fakeRegistry {
	return &fakeRegistry{
		vehicles: []models.RegisteredVehicle{
			{Plate: "51-B267890", OwnerID: "owner-1", Active: true},
			{Plate: "30-A112345", OwnerID: "owner-2", Active: true},
		},
		subs: []*models.Subscription{
			{
				ID: "sub-1", OwnerID: "owner-1", Plate: strPtr("51-B267890"),
				StartDate: now.AddDate(0, 0, -10), EndDate: now.Add(36 * time.Hour),
				Status: models.SubscriptionActive, PaymentStatus: "paid", VehicleLimit: 1,
			},
		},
	}
}

func newValidator(reg *fakeRegistry, opts ...Option) *Validator {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewValidator(reg, zap.NewNop(), opts...)
}

func TestCheckExact(t *testing.T) {
	v := newValidator(newRegistry())

	res := v.Check(context.Background(), "owner-1", "51-B2 67890")
	require.True(t, res.Valid)
	assert.Equal(t, MatchExact, res.MatchMethod)
	assert.Equal(t, "sub-1", res.Subscription.ID)
	assert.Equal(t, 2, res.RemainingDays)
}

func TestCheckFuzzy(t *testing.T) {
	v := newValidator(newRegistry())

	// 8 被识别成 B
	res := v.Check(context.Background(), "owner-1", "51-82 67890")
	require.True(t, res.Valid)
	assert.Equal(t, MatchFuzzy, res.MatchMethod)
	assert.Equal(t, "51B267890", res.MatchedPlate)
	assert.Equal(t, plate.ScoreVariant, res.Score)
}

func TestCheckNoSubscription(t *testing.T) {
	v := newValidator(newRegistry())

	res := v.Check(context.Background(), "owner-2", "30-A1 12345")
	assert.False(t, res.Valid)
	assert.Equal(t, MatchNone, res.MatchMethod)
	assert.NotEmpty(t, res.Details)

	res = v.Check(context.Background(), "", "30-A1 12345")
	assert.False(t, res.Valid)

	res = v.Check(context.Background(), "owner-1", "")
	assert.False(t, res.Valid)
}

func TestCheckOwnerWideSubscription(t *testing.T) {
	reg := newRegistry()
	reg.subs = append(reg.subs, &models.Subscription{
		ID: "sub-2", OwnerID: "owner-2",
		StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 1, 0),
		Status: models.SubscriptionActive, PaymentStatus: "paid",
	})
	v := newValidator(reg)

	res := v.Check(context.Background(), "owner-2", "30-A1 12345")
	require.True(t, res.Valid)
	assert.Equal(t, "sub-2", res.Subscription.ID)
}

func TestCheckUnpaidOrExpired(t *testing.T) {
	reg := newRegistry()
	reg.subs[0].PaymentStatus = "pending"
	v := newValidator(reg)
	assert.False(t, v.Check(context.Background(), "owner-1", "51-B2 67890").Valid)

	reg = newRegistry()
	reg.subs[0].EndDate = now.Add(-time.Hour)
	v = newValidator(reg)
	res := v.Check(context.Background(), "owner-1", "51-B2 67890")
	assert.False(t, res.Valid)
	assert.Equal(t, models.SubscriptionExpired, reg.subs[0].Status)
}

func TestCheckLookupFailureIsNotAnError(t *testing.T) {
	reg := newRegistry()
	reg.findErr = errors.New("connection refused")
	reg.expireErr = errors.New("connection refused")
	v := newValidator(reg)

	res := v.Check(context.Background(), "owner-1", "51-B2 67890")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Details, "connection refused")
}

func TestCheckSkipsExpireWhenDisabled(t *testing.T) {
	reg := newRegistry()
	v := newValidator(reg, WithExpireOnCheck(false))

	v.Check(context.Background(), "owner-1", "51-B2 67890")
	assert.Equal(t, 0, reg.expired)
}

func TestCheckEntryVehicleLimit(t *testing.T) {
	v := newValidator(newRegistry(), WithUsageCounter(fakeUsage{count: 1}))
	res := v.CheckEntry(context.Background(), "owner-1", "51-B2 67890")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Details, "vehicle limit exceeded")

	v = newValidator(newRegistry(), WithUsageCounter(fakeUsage{count: 0}))
	assert.True(t, v.CheckEntry(context.Background(), "owner-1", "51-B2 67890").Valid)

	v = newValidator(newRegistry(), WithUsageCounter(fakeUsage{err: errors.New("boom")}))
	assert.False(t, v.CheckEntry(context.Background(), "owner-1", "51-B2 67890").Valid)
}

func TestIdentify(t *testing.T) {
	v := newValidator(newRegistry())

	vehicle, m, ok := v.Identify(context.Background(), "3O-A1 12345")
	require.True(t, ok)
	assert.Equal(t, "owner-2", vehicle.OwnerID)
	assert.Equal(t, plate.MethodOCRVariant, m.Method)

	_, _, ok = v.Identify(context.Background(), "XX-YZ 99999")
	assert.False(t, ok)
}

func TestExpireIsIdempotent(t *testing.T) {
	reg := newRegistry()
	reg.subs[0].EndDate = now.Add(-time.Minute)
	v := newValidator(reg)

	n, err := v.Expire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = v.Expire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
