package bond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbond/internal/ledger"
)

func TestTermsValidate(t *testing.T) {
	base := testTerms()
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Terms)
	}{
		{"missing regulator", func(tt *Terms) { tt.FinancialRegulator = "" }},
		{"missing stablecoin", func(tt *Terms) { tt.Stablecoin = "" }},
		{"end before start", func(tt *Terms) { tt.EndBuyDate = tt.StartBuyDate }},
		{"maturity before end", func(tt *Terms) { tt.MaturityDate = tt.EndBuyDate }},
		{"negative period", func(tt *Terms) { tt.Period = -1 }},
		{"too many rounds", func(tt *Terms) { tt.BondLength = MaxBondLength + 1 }},
		{"rounds past maturity", func(tt *Terms) { tt.MaturityDate = tt.EndBuyDate + tt.Period }},
		{"no supply", func(tt *Terms) { tt.Supply = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terms := base
			tc.mutate(&terms)
			require.ErrorIs(t, terms.Validate(), ErrInvalidTerms)
		})
	}
}

func TestTermsDefaultPeriod(t *testing.T) {
	terms := testTerms()
	terms.Period = 0
	assert.Equal(t, SixMonthPeriod, terms.withDefaults().Period)
}

func TestRatingRound(t *testing.T) {
	terms := testTerms()

	round, err := terms.ratingRound(testStart)
	require.NoError(t, err)
	assert.Equal(t, 0, round)

	round, err = terms.ratingRound(testEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, round)

	round, err = terms.ratingRound(testEnd + testPeriod)
	require.NoError(t, err)
	assert.Equal(t, 2, round)

	round, err = terms.ratingRound(testMaturity)
	require.NoError(t, err)
	assert.Equal(t, 3, round)

	_, err = terms.ratingRound(testMaturity + 1)
	require.ErrorIs(t, err, ErrRatingClosed)
}

func TestCouponRounds(t *testing.T) {
	terms := testTerms()
	assert.Equal(t, uint64(0), terms.couponRounds(testEnd-1))
	assert.Equal(t, uint64(0), terms.couponRounds(testEnd+testPeriod-1))
	assert.Equal(t, uint64(1), terms.couponRounds(testEnd+testPeriod))
	assert.Equal(t, uint64(2), terms.couponRounds(testMaturity))
	assert.Equal(t, uint64(2), terms.couponRounds(testMaturity+10*testPeriod))

	// spare time between the last round and maturity does not add rounds
	terms.MaturityDate = testEnd + 5*testPeriod
	assert.Equal(t, uint64(2), terms.couponRounds(testEnd+4*testPeriod))
}

func TestCouponValueUsesRating(t *testing.T) {
	inst := &Instrument{Terms: testTerms()}
	for rating, want := range map[uint8]uint64{
		0: 25_000_000,
		5: 25_000_000,
		4: 27_500_000,
		3: 30_250_000,
		2: 33_275_000,
		1: 36_602_500,
	} {
		inst.Global.Ratings[1] = rating
		got, err := inst.couponValue(1)
		require.NoError(t, err)
		assert.Equal(t, want, got, "rating %d", rating)
	}
}

func TestWideArithmetic(t *testing.T) {
	_, err := mul(^uint64(0), 2)
	require.ErrorIs(t, err, ledger.ErrOverflow)

	_, err = add(^uint64(0), 1)
	require.ErrorIs(t, err, ledger.ErrOverflow)

	// the product overflows 64 bits but the quotient fits
	got, err := mulDiv(1<<40, 1<<40, 1<<30)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<50, got)

	_, err = mulDiv(^uint64(0), ^uint64(0), 1)
	require.ErrorIs(t, err, ledger.ErrOverflow)
	_, err = mulDiv(1, 1, 0)
	require.Error(t, err)
}
