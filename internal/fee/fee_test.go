package fee

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hcm = time.FixedZone("ICT", 7*3600)

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, hcm)
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name     string
		entry    time.Time
		exit     time.Time
		fee      int64
		category Category
		display  string
	}{
		{"same afternoon", at(10, 14, 0), at(10, 16, 30), 35000, CategoryRegular, "2h 30m 0s"},
		{"crosses 21:00", at(10, 19, 0), at(10, 22, 0), 50000, CategoryOvernight, "3h 0m 0s"},
		{"crosses calendar day", at(10, 22, 0), at(11, 8, 0), 50000, CategoryOvernight, "10h 0m 0s"},
		{"late entry same night", at(10, 21, 30), at(10, 23, 0), 35000, CategoryRegular, "1h 30m 0s"},
		{"exit exactly 21:00", at(10, 20, 0), at(10, 21, 0), 50000, CategoryOvernight, "1h 0m 0s"},
		{"long day before 21:00", at(10, 6, 0), at(10, 20, 59), 35000, CategoryRegular, "14h 59m 0s"},
		{"zero length", at(10, 9, 0), at(10, 9, 0), 35000, CategoryRegular, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Calculate(tt.entry, tt.exit)
			require.NoError(t, err)
			assert.Equal(t, tt.fee, res.Fee)
			assert.Equal(t, tt.category, res.Category)
			assert.Equal(t, tt.display, res.DurationDisplay)
			assert.Equal(t, tt.fee, res.OriginalFee)
		})
	}
}

func TestCalculateUsesEntryZone(t *testing.T) {
	// 14:00 UTC = 21:00 ICT
	entry := at(10, 20, 0)
	exit := time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC)
	res, err := Calculate(entry, exit)
	require.NoError(t, err)
	assert.Equal(t, CategoryOvernight, res.Category)
}

func TestCalculateInvalidInterval(t *testing.T) {
	_, err := Calculate(at(10, 16, 0), at(10, 14, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInterval))
}

func TestBillableHours(t *testing.T) {
	res, err := Calculate(at(10, 14, 0), at(10, 16, 30))
	require.NoError(t, err)
	assert.Equal(t, 3, res.BillableHours)
}

func TestApplySubscription(t *testing.T) {
	res, err := Calculate(at(10, 19, 0), at(10, 22, 0))
	require.NoError(t, err)

	waived := ApplySubscription(res, true)
	assert.Equal(t, int64(0), waived.Fee)
	assert.Equal(t, int64(50000), waived.SubscriptionDiscount)
	assert.Equal(t, int64(50000), waived.OriginalFee)
	assert.Equal(t, CategorySubscription, waived.Category)

	charged := ApplySubscription(res, false)
	assert.Equal(t, int64(50000), charged.Fee)
	assert.Equal(t, int64(0), charged.SubscriptionDiscount)
	assert.Equal(t, CategoryOvernight, charged.Category)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "1m 5s", FormatDuration(65*time.Second))
	assert.Equal(t, "1h 0m 1s", FormatDuration(time.Hour+time.Second))
}
