package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmeticExact(t *testing.T) {
	a := NewFromInt(50000)
	b, err := NewFromString("0.02")
	require.NoError(t, err)

	trigger := a.Mul(NewFromInt(1).Sub(b))
	assert.Equal(t, "49000", trigger.String())
}

func TestQuantityWeightedAverageNoDrift(t *testing.T) {
	q1, err := NewFromString("0.4")
	require.NoError(t, err)
	q2, err := NewFromString("0.6")
	require.NoError(t, err)
	price1 := NewFromInt(50000)
	price2, err := NewFromString("50100")
	require.NoError(t, err)

	totalCost := price1.Mul(q1).Add(price2.Mul(q2))
	qty := q1.Add(q2)
	avg := totalCost.Div(qty)
	assert.Equal(t, "50060", avg.String())
}

func TestJSONRoundTrip(t *testing.T) {
	m, err := NewFromString("49058.8")
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, m.Equal(back))
}

func TestComparisons(t *testing.T) {
	a := NewFromInt(10)
	b := NewFromInt(20)
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.LessThan(b))
	assert.True(t, a.LessThanOrEqual(a))
	assert.False(t, a.IsNegative())
	assert.True(t, a.Sub(b).IsNegative())
}

func TestSQLValueScan(t *testing.T) {
	m := NewFromInt(123)
	v, err := m.Value()
	require.NoError(t, err)

	var scanned Money
	require.NoError(t, scanned.Scan(v))
	assert.True(t, m.Equal(scanned))
}
