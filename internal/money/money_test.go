package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr error
	}{
		{"250.7", 25070, nil},
		{"250.70", 25070, nil},
		{"1000000", 100000000, nil},
		{"0.01", 1, nil},
		{"1.500", 150, nil},
		{"0.001", 0, ErrTooPrecise},
		{"99999999999999999999", 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Parse("abc")
	require.Error(t, err)
}

func TestTokensFloorAllocation(t *testing.T) {
	totalValue := Amount(1_000_000 * 100)

	// price is 1 AED per token: 250.70 buys 250 tokens, 0.70 stays unconverted
	assert.Equal(t, int64(250), Tokens(25070, totalValue, 1_000_000))

	// price is 40 AED per token
	assert.Equal(t, int64(2), Tokens(8000, Amount(400_000*100), 10_000))
	assert.Equal(t, int64(1), Tokens(7999, Amount(400_000*100), 10_000))
	assert.Equal(t, int64(0), Tokens(3999, Amount(400_000*100), 10_000))

	assert.Equal(t, int64(0), Tokens(0, totalValue, 1_000_000))
	assert.Equal(t, int64(0), Tokens(100, 0, 1_000_000))
}

func TestTokensLargeValuesDoNotOverflow(t *testing.T) {
	totalValue := Amount(9_000_000_000_000_000)
	supply := int64(1_000_000_000)

	assert.Equal(t, supply, Tokens(totalValue, totalValue, supply))
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		A Amount `json:"a"`
	}{A: 25070})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"250.70"}`, string(b))

	var out struct {
		A Amount `json:"a"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":250.7}`), &out))
	assert.Equal(t, Amount(25070), out.A)
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12.34"}`), &out))
	assert.Equal(t, Amount(1234), out.A)
	require.Error(t, json.Unmarshal([]byte(`{"a":"1.234"}`), &out))
}

func TestPricePerToken(t *testing.T) {
	assert.True(t, decimal.NewFromInt(40).Equal(PricePerToken(Amount(400_000*100), 10_000)))
	assert.True(t, decimal.Zero.Equal(PricePerToken(100, 0)))
}

func TestAmountSQL(t *testing.T) {
	v, err := Amount(25070).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(25070), v)

	var a Amount
	require.NoError(t, a.Scan(int64(100)))
	assert.Equal(t, Amount(100), a)
	assert.Error(t, a.Scan("1.00"))
}
