package limits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/types"
)

func TestPeriodKey(t *testing.T) {
	tashkent, err := time.LoadLocation("Asia/Tashkent")
	require.NoError(t, err)

	// 21:30 UTC on the last day of May is already June 1st in Tashkent.
	at := time.Date(2024, 5, 31, 21, 30, 0, 0, time.UTC)

	assert.Equal(t, "2024-05-31", PeriodKey(types.PeriodDaily, at, time.UTC))
	assert.Equal(t, "2024-05", PeriodKey(types.PeriodMonthly, at, time.UTC))
	assert.Equal(t, "2024-06-01", PeriodKey(types.PeriodDaily, at, tashkent))
	assert.Equal(t, "2024-06", PeriodKey(types.PeriodMonthly, at, tashkent))
	assert.Equal(t, "2024-05-31", PeriodKey(types.PeriodDaily, at, nil))
}

func TestInstrumentKey(t *testing.T) {
	assert.Equal(t, "*", instrumentKey(""))
	assert.Equal(t, "UZS", instrumentKey("UZS"))
}

func TestRequestQuantity(t *testing.T) {
	r := Request{Metric: types.MetricCount, Amount: decimal.NewFromInt(500)}
	assert.True(t, r.quantity().Equal(decimal.NewFromInt(1)))
	r.Metric = types.MetricAmount
	assert.True(t, r.quantity().Equal(decimal.NewFromInt(500)))
}
