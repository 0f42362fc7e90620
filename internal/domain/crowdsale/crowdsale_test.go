package crowdsale

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/token"
)

var (
	minterAccount = shared.MustParseAccount("0x9000000000000000000000000000000000000009")
	contributor   = shared.MustParseAccount("0x1111111111111111111111111111111111111111")
)

const defaultCap = 100_000_000_000_000_000

func newTestLedger(t *testing.T, capacity uint64, grant bool) *token.CappedLedger {
	t.Helper()
	cfg := token.DefaultConfig(deployer)
	cfg.Cap = shared.NewAmount(capacity)
	ledger, err := token.NewCappedLedger(cfg)
	require.NoError(t, err)
	if grant {
		require.NoError(t, ledger.AddMinter(deployer, minterAccount))
	}
	return ledger
}

func testConfig() Config {
	return Config{
		Minter:        minterAccount,
		Deployer:      deployer,
		Schedule:      DefaultScheduleConfig(scheduleStart),
		MinDeposit:    shared.NewAmount(1),
		Beneficiaries: []shared.Account{benA},
	}
}

func newTestCrowdsale(t *testing.T, ledger Ledger, mutate func(*Config), opts ...Option) *Crowdsale {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, ledger, opts...)
	require.NoError(t, err)
	return c
}

func roundAt(t *testing.T, c *Crowdsale, id int) Round {
	t.Helper()
	r, err := c.Round(id)
	require.NoError(t, err)
	return r
}

func advancedEvent(t *testing.T, e shared.Event) shared.RoundAdvancedEvent {
	t.Helper()
	ev, ok := e.(shared.RoundAdvancedEvent)
	require.True(t, ok, "expected RoundAdvancedEvent, got %T", e)
	return ev
}

func purchaseEvent(t *testing.T, e shared.Event) shared.PurchaseSettledEvent {
	t.Helper()
	ev, ok := e.(shared.PurchaseSettledEvent)
	require.True(t, ok, "expected PurchaseSettledEvent, got %T", e)
	return ev
}

// ══════════════════════════════════════════════════════════════════════════════
// Construction
// ══════════════════════════════════════════════════════════════════════════════

func TestNew_InitialState(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, 0, c.CurrentRoundID())
	raised := c.GlobalValueRaised()
	assert.True(t, raised.IsZero())
	issued := c.GlobalTokensIssued()
	assert.True(t, issued.IsZero())
	assert.Equal(t, shared.NewAmount(defaultCap), c.GlobalTokensCap())
	assert.Equal(t, []shared.Account{deployer}, c.Administrators())
	assert.Equal(t, []shared.Account{benA}, c.Beneficiaries())
	assert.Equal(t, int64(1), c.Version())

	_, err := c.Round(5)
	assert.ErrorIs(t, err, shared.ErrRoundNotFound)
}

func TestNew_GlobalCapFollowsLedger(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, 12345, true), nil)
	assert.Equal(t, shared.NewAmount(12345), c.GlobalTokensCap())
}

func TestNew_Validation(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)

	_, err := New(testConfig(), nil)
	assert.True(t, shared.IsValidation(err))

	cfg := testConfig()
	cfg.Minter = shared.ZeroAccount
	_, err = New(cfg, ledger)
	assert.ErrorIs(t, err, shared.ErrInvalidAccount)

	cfg = testConfig()
	cfg.Beneficiaries = []shared.Account{benA, benA}
	_, err = New(cfg, ledger)
	assert.ErrorIs(t, err, shared.ErrBeneficiaryExists)
}

// ══════════════════════════════════════════════════════════════════════════════
// Settlement scenarios
// ══════════════════════════════════════════════════════════════════════════════

func TestContribute_PricesAtActiveRate(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, nil)

	s, err := c.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
	require.NoError(t, err)

	assert.Equal(t, shared.NewAmount(20_000_000_000), s.Tokens)
	assert.Equal(t, 0, s.RoundID)
	require.Len(t, s.Events, 1)
	purchase := purchaseEvent(t, s.Events[0])
	assert.Equal(t, contributor, purchase.Contributor)
	assert.Equal(t, shared.NewAmount(1), purchase.Value)
	assert.Equal(t, shared.NewAmount(20_000_000_000), purchase.Tokens)

	assert.Equal(t, 0, c.CurrentRoundID())
	assert.Equal(t, shared.NewAmount(20_000_000_000), c.GlobalTokensIssued())
	assert.Equal(t, shared.NewAmount(1), c.GlobalValueRaised())
	assert.Equal(t, shared.NewAmount(20_000_000_000), ledger.BalanceOf(contributor))

	r0 := roundAt(t, c, 0)
	assert.Equal(t, shared.NewAmount(1), r0.ValueRaised)
	assert.Equal(t, shared.NewAmount(20_000_000_000), r0.TokensIssued)
}

func TestContribute_UnitScale(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, func(cfg *Config) {
		cfg.UnitScale = DefaultUnitScale
		cfg.MinDeposit = DefaultMinDeposit
	})

	// one whole unit of value at 2e10 tokens per unit
	s, err := c.Contribute(context.Background(), contributor, DefaultUnitScale, scheduleStart)
	require.NoError(t, err)
	assert.Equal(t, shared.NewAmount(20_000_000_000), s.Tokens)

	// 0.15 unit floors to 3e9
	s, err = c.Contribute(context.Background(), contributor, shared.NewAmount(150_000_000_000_000_000), scheduleStart)
	require.NoError(t, err)
	assert.Equal(t, shared.NewAmount(3_000_000_000), s.Tokens)
}

func TestContribute_QuotaBreachAdvancesOnce(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, nil)

	value := shared.NewAmount(500_001)
	s, err := c.Contribute(context.Background(), contributor, value, scheduleStart)
	require.NoError(t, err)

	// settled fully at rate[0], no splitting across rounds
	assert.Equal(t, shared.NewAmount(10_000_020_000_000_000), s.Tokens)
	assert.Equal(t, 0, s.RoundID)

	require.Len(t, s.Events, 2)
	purchaseEvent(t, s.Events[0])
	adv := advancedEvent(t, s.Events[1])
	assert.Equal(t, 1, adv.NewRoundID)
	assert.Equal(t, shared.AdvanceByQuota, adv.Trigger)

	assert.Equal(t, 1, s.CurrentRoundID)
	assert.Equal(t, 1, c.CurrentRoundID())
	r1 := roundAt(t, c, 1)
	assert.Equal(t, shared.NewAmount(17_999_996_000_000_000), r1.TokensCap)
	assert.Equal(t, r1.TokensCap, adv.TokensCap)
}

func TestContribute_QuotaReachedExactlyDoesNotAdvance(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)

	s, err := c.Contribute(context.Background(), contributor, shared.NewAmount(500_000), scheduleStart)
	require.NoError(t, err)
	require.Len(t, s.Events, 1)
	assert.Equal(t, 0, s.CurrentRoundID)
	assert.Equal(t, 0, c.CurrentRoundID())
}

func TestContribute_NoCascadeOnHugeContribution(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)

	// far above both round 0's and round 1's eventual quota
	s, err := c.Contribute(context.Background(), contributor, shared.NewAmount(3_000_000), scheduleStart)
	require.NoError(t, err)
	require.Len(t, s.Events, 2)
	assert.Equal(t, 1, c.CurrentRoundID())

	// global issuance already exceeds round 1's quota, but that quota only
	// counts tokens issued inside round 1
	s, err = c.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RoundID)
	assert.Equal(t, shared.NewAmount(10_000_000_000), s.Tokens)
	assert.Equal(t, 1, c.CurrentRoundID())
}

func TestContribute_TimeAdvanceBeforePurchase(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)

	r2 := roundAt(t, c, 2)
	s, err := c.Contribute(context.Background(), contributor, shared.NewAmount(4), r2.Start)
	require.NoError(t, err)

	require.Len(t, s.Events, 3)
	first := advancedEvent(t, s.Events[0])
	second := advancedEvent(t, s.Events[1])
	assert.Equal(t, 1, first.NewRoundID)
	assert.Equal(t, 2, second.NewRoundID)
	assert.Equal(t, shared.AdvanceByTime, second.Trigger)
	purchase := purchaseEvent(t, s.Events[2])
	assert.Equal(t, 2, purchase.RoundID)

	assert.Equal(t, shared.NewAmount(20_000_000_000), s.Tokens)
	assert.Equal(t, 2, c.CurrentRoundID())

	// each round entered by time froze remaining/5 at its entry
	assert.Equal(t, shared.NewAmount(20_000_000_000_000_000), roundAt(t, c, 1).TokensCap)
	assert.Equal(t, shared.NewAmount(20_000_000_000_000_000), roundAt(t, c, 2).TokensCap)
}

func TestContribute_FinalRoundIsUnbounded(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)

	last := roundAt(t, c, 4)
	s, err := c.Contribute(context.Background(), contributor, shared.NewAmount(1_000_000), last.Start.Add(500*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 4, c.CurrentRoundID())
	assert.Equal(t, shared.NewAmount(1_250_000_000_000_000), s.Tokens)

	final := roundAt(t, c, 4)
	assert.True(t, final.CapUnbounded)
	assert.False(t, final.QuotaExceeded())
}

// TestContribute_DefaultDeployment replays purchase sequences against the
// default schedule, whole-unit pricing and the default token cap.
func TestContribute_DefaultDeployment(t *testing.T) {
	units := func(n string) string { return n + "000000000000000000" }

	type step struct {
		round int    // contribute at the calendar start of this round
		value string // base units
	}
	type advance struct {
		round   int
		trigger shared.AdvanceTrigger
		quota   string // empty for the unbounded final round
	}

	oneEach := []step{{0, units("1")}, {1, units("1")}, {2, units("1")}}

	cases := []struct {
		name     string
		setup    []step
		purchase step
		tokens   string
		before   []advance
		after    *advance
		current  int
	}{
		{
			name:     "one unit stays in round 0",
			purchase: step{0, units("1")},
			tokens:   "20000000000",
			current:  0,
		},
		{
			name:     "quota breach switches to round 1",
			purchase: step{0, units("1000000")},
			tokens:   "20000000000000000",
			after:    &advance{1, shared.AdvanceByQuota, "16000000000000000"},
			current:  1,
		},
		{
			name:     "round 1 entered by quota prices at its own rate",
			setup:    []step{{0, units("1000001")}},
			purchase: step{0, units("1")},
			tokens:   "10000000000",
			current:  1,
		},
		{
			name:     "round 2 entered by time",
			setup:    []step{{0, units("1000001")}},
			purchase: step{2, units("1")},
			tokens:   "5000000000",
			before:   []advance{{2, shared.AdvanceByTime, "15999996000000000"}},
			current:  2,
		},
		{
			name:     "round 3 entered by time",
			setup:    oneEach,
			purchase: step{3, units("1")},
			tokens:   "2500000000",
			before:   []advance{{3, shared.AdvanceByTime, "19999993000000000"}},
			current:  3,
		},
		{
			name:     "quota breach in a round entered by time",
			setup:    append(append([]step{}, oneEach...), step{3, units("1")}),
			purchase: step{3, units("7999997")},
			tokens:   "19999992500000000",
			after:    &advance{4, shared.AdvanceByQuota, ""},
			current:  4,
		},
		{
			name:     "final round prices at the last rate",
			setup:    append(append([]step{}, oneEach...), step{3, units("7999998")}),
			purchase: step{3, units("2")},
			tokens:   "2500000000",
			current:  4,
		},
		{
			name:     "final round issues up to the remaining cap",
			setup:    append(append([]step{}, oneEach...), step{3, units("7999998")}),
			purchase: step{3, "63999975999999900000000000"},
			tokens:   "79999969999999875",
			current:  4,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			ledger, err := token.NewCappedLedger(token.DefaultConfig(deployer))
			require.NoError(t, err)
			require.NoError(t, ledger.AddMinter(deployer, minterAccount))

			c := newTestCrowdsale(t, ledger, func(cfg *Config) {
				cfg.UnitScale = DefaultUnitScale
				cfg.MinDeposit = DefaultMinDeposit
			})

			contribute := func(st step) (*Settlement, error) {
				value, err := shared.ParseAmount(st.value)
				require.NoError(t, err)
				return c.Contribute(ctx, contributor, value, roundAt(t, c, st.round).Start)
			}

			for _, st := range tc.setup {
				_, err := contribute(st)
				require.NoError(t, err)
			}
			issuedBefore := c.GlobalTokensIssued()

			s, err := contribute(tc.purchase)
			require.NoError(t, err)

			assert.Equal(t, tc.tokens, shared.FormatAmount(s.Tokens))
			assert.Equal(t, tc.current, s.CurrentRoundID)
			assert.Equal(t, tc.current, c.CurrentRoundID())

			want := len(tc.before) + 1
			if tc.after != nil {
				want++
			}
			require.Len(t, s.Events, want)

			checkAdvance := func(e shared.Event, exp advance) {
				ev := advancedEvent(t, e)
				assert.Equal(t, exp.round, ev.NewRoundID)
				assert.Equal(t, exp.trigger, ev.Trigger)
				if exp.quota == "" {
					assert.True(t, ev.Unbounded)
				} else {
					assert.Equal(t, exp.quota, shared.FormatAmount(ev.TokensCap))
					assert.Equal(t, exp.quota, shared.FormatAmount(roundAt(t, c, exp.round).TokensCap))
				}
			}
			for i, exp := range tc.before {
				checkAdvance(s.Events[i], exp)
			}
			purchase := purchaseEvent(t, s.Events[len(tc.before)])
			assert.Equal(t, s.Tokens, purchase.Tokens)
			assert.Equal(t, s.RoundID, purchase.RoundID)
			if tc.after != nil {
				checkAdvance(s.Events[want-1], *tc.after)
				// a quota-driven advance freezes (cap - issued)/5 after this purchase
				if tc.after.quota != "" {
					remaining := shared.SubAmountsFloor(c.GlobalTokensCap(), c.GlobalTokensIssued())
					divisor := shared.NewAmount(5)
					var quota shared.Amount
					quota.Div(&remaining, &divisor)
					assert.Equal(t, tc.after.quota, shared.FormatAmount(quota))
				}
			}

			issued, err := shared.AddAmounts(issuedBefore, s.Tokens)
			require.NoError(t, err)
			assert.Equal(t, issued, c.GlobalTokensIssued())
			assert.Equal(t, c.GlobalTokensIssued(), ledger.TotalSupply())
		})
	}
}

func TestContribute_SplitsAcrossBeneficiaries(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), func(cfg *Config) {
		cfg.Beneficiaries = []shared.Account{benA, benB, benC}
	})
	ctx := context.Background()

	s, err := c.Contribute(ctx, contributor, shared.NewAmount(3), scheduleStart)
	require.NoError(t, err)
	require.Len(t, s.Payouts, 3)
	for _, p := range s.Payouts {
		assert.Equal(t, shared.NewAmount(1), p.Amount)
	}

	removed, events, err := c.RemoveBeneficiary(ctx, deployer, 0)
	require.NoError(t, err)
	assert.Equal(t, benA, removed)
	require.Len(t, events, 1)
	assert.Equal(t, shared.EventBeneficiaryRemoved, events[0].EventType())

	s, err = c.Contribute(ctx, contributor, shared.NewAmount(2), scheduleStart)
	require.NoError(t, err)
	require.Len(t, s.Payouts, 2)
	assert.Equal(t, Payout{Account: benB, Amount: shared.NewAmount(1)}, s.Payouts[0])
	assert.Equal(t, Payout{Account: benC, Amount: shared.NewAmount(1)}, s.Payouts[1])
}

// ══════════════════════════════════════════════════════════════════════════════
// Rejections leave no trace
// ══════════════════════════════════════════════════════════════════════════════

func assertUntouched(t *testing.T, c *Crowdsale, ledger *token.CappedLedger, before State) {
	t.Helper()
	assert.Equal(t, before, c.Snapshot())
	supply := ledger.TotalSupply()
	assert.True(t, supply.IsZero())
}

func TestContribute_BelowMinimumDeposit(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, func(cfg *Config) { cfg.MinDeposit = shared.NewAmount(10) })
	before := c.Snapshot()

	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(9), scheduleStart)
	assert.ErrorIs(t, err, shared.ErrBelowMinimumDeposit)
	assert.True(t, shared.IsRejected(err))
	assertUntouched(t, c, ledger, before)

	_, err = c.Contribute(context.Background(), contributor, shared.NewAmount(10), scheduleStart)
	assert.NoError(t, err)
}

func TestContribute_NoBeneficiaries(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, func(cfg *Config) { cfg.Beneficiaries = nil })
	before := c.Snapshot()

	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(5), scheduleStart)
	assert.ErrorIs(t, err, shared.ErrNoBeneficiaries)
	assertUntouched(t, c, ledger, before)
}

func TestContribute_CapExceededIsAtomic(t *testing.T) {
	ledger := newTestLedger(t, 100_000_000_000, true)
	c := newTestCrowdsale(t, ledger, nil)
	before := c.Snapshot()

	// a pending time advance must be rolled back together with the purchase
	r1 := roundAt(t, c, 1)
	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(11), r1.Start)
	assert.ErrorIs(t, err, shared.ErrCapExceeded)
	assertUntouched(t, c, ledger, before)
	assert.Equal(t, 0, c.CurrentRoundID())
	assert.False(t, roundAt(t, c, 1).QuotaFrozen)
}

func TestContribute_CapBoundaryReachable(t *testing.T) {
	ledger := newTestLedger(t, 100_000_000_000, true)
	c := newTestCrowdsale(t, ledger, nil)

	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(5), scheduleStart)
	require.NoError(t, err)
	assert.Equal(t, c.GlobalTokensCap(), c.GlobalTokensIssued())

	_, err = c.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
	assert.ErrorIs(t, err, shared.ErrCapExceeded)
}

func TestContribute_MintWithoutRights(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, false)
	c := newTestCrowdsale(t, ledger, nil)
	before := c.Snapshot()

	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
	assert.ErrorIs(t, err, shared.ErrNotMinter)
	assert.True(t, shared.IsUnauthorized(err))
	assertUntouched(t, c, ledger, before)
}

func TestContribute_ZeroContributor(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)
	_, err := c.Contribute(context.Background(), shared.ZeroAccount, shared.NewAmount(1), scheduleStart)
	assert.ErrorIs(t, err, shared.ErrInvalidAccount)
}

// ══════════════════════════════════════════════════════════════════════════════
// Invariants
// ══════════════════════════════════════════════════════════════════════════════

func TestContribute_CountersAndRoundsStayConsistent(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, nil)
	ctx := context.Background()

	quotas := map[int]shared.Amount{}
	prevRound := 0
	now := scheduleStart
	values := []uint64{1, 400_000, 200_000, 7, 900_000, 3, 1_500_000, 11}
	for i, v := range values {
		now = now.Add(time.Duration(i) * 11 * 24 * time.Hour)
		_, err := c.Contribute(ctx, contributor, shared.NewAmount(v), now)
		require.NoError(t, err)

		current := c.CurrentRoundID()
		assert.GreaterOrEqual(t, current, prevRound, "round id went backwards")
		prevRound = current

		for _, r := range c.Rounds() {
			if !r.QuotaFrozen {
				continue
			}
			if q, seen := quotas[r.ID]; seen {
				assert.Equal(t, q, r.TokensCap, "quota of round %d changed after entry", r.ID)
			} else {
				quotas[r.ID] = r.TokensCap
			}
		}
	}

	var raised, issued shared.Amount
	for _, r := range c.Rounds() {
		raised.Add(&raised, &r.ValueRaised)
		issued.Add(&issued, &r.TokensIssued)
	}
	assert.Equal(t, c.GlobalValueRaised(), raised)
	assert.Equal(t, c.GlobalTokensIssued(), issued)
	assert.Equal(t, ledger.TotalSupply(), issued)
	capacity := c.GlobalTokensCap()
	assert.False(t, issued.Gt(&capacity))
}

func TestContribute_Concurrent(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, nil)

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, shared.NewAmount(workers), c.GlobalValueRaised())
	assert.Equal(t, shared.NewAmount(workers*20_000_000_000), c.GlobalTokensIssued())
	assert.Equal(t, int64(1+workers), c.Version())
}

// ══════════════════════════════════════════════════════════════════════════════
// Administration
// ══════════════════════════════════════════════════════════════════════════════

func TestAdministration_RequiresAdministrator(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)
	ctx := context.Background()
	before := c.Snapshot()

	_, _, err := c.AddBeneficiary(ctx, stranger, benB)
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)
	_, _, err = c.RemoveBeneficiary(ctx, stranger, 0)
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)
	_, err = c.AddAdministrator(ctx, stranger, stranger)
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)
	_, err = c.RemoveAdministrator(ctx, stranger, deployer)
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)

	assert.Equal(t, before, c.Snapshot())
}

func TestAdministration_DelegatedAdministrator(t *testing.T) {
	at := scheduleStart.Add(time.Hour)
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	events, err := c.AddAdministrator(ctx, deployer, operator)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, shared.EventAdministratorAdded, events[0].EventType())
	assert.Equal(t, at, events[0].OccurredAt())

	idx, events, err := c.AddBeneficiary(ctx, operator, benB)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	changed := events[0].(shared.MembershipChangedEvent)
	assert.Equal(t, operator, changed.Caller)
	assert.Equal(t, benB, changed.Account)
	assert.Equal(t, 1, changed.Index)

	_, err = c.RemoveAdministrator(ctx, operator, deployer)
	require.NoError(t, err)
	assert.False(t, c.IsAdministrator(deployer))

	_, err = c.RemoveAdministrator(ctx, operator, operator)
	assert.ErrorIs(t, err, shared.ErrLastAdministrator)
	assert.True(t, c.IsAdministrator(operator))
}

func TestAdministration_BeneficiaryErrors(t *testing.T) {
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil)
	ctx := context.Background()

	_, _, err := c.AddBeneficiary(ctx, deployer, benA)
	assert.ErrorIs(t, err, shared.ErrBeneficiaryExists)

	_, _, err = c.RemoveBeneficiary(ctx, deployer, 3)
	assert.ErrorIs(t, err, shared.ErrIndexOutOfRange)

	assert.Equal(t, int64(1), c.Version())
}

// ══════════════════════════════════════════════════════════════════════════════
// Persistence hooks
// ══════════════════════════════════════════════════════════════════════════════

type recordingStore struct {
	saved       []State
	settlements []*Settlement
	failSave    error
}

func (s *recordingStore) Save(_ context.Context, st State) error {
	if s.failSave != nil {
		return s.failSave
	}
	s.saved = append(s.saved, st)
	return nil
}

func (s *recordingStore) RecordSettlement(_ context.Context, st *Settlement) error {
	s.settlements = append(s.settlements, st)
	return nil
}

type countingTransactor struct {
	calls int
}

func (tx *countingTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.calls++
	return fn(ctx)
}

func TestStore_ReceivesEveryChange(t *testing.T) {
	store := &recordingStore{}
	tx := &countingTransactor{}
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil, WithStore(store), WithTransactor(tx))
	ctx := context.Background()

	s, err := c.Contribute(ctx, contributor, shared.NewAmount(2), scheduleStart)
	require.NoError(t, err)
	_, _, err = c.AddBeneficiary(ctx, deployer, benB)
	require.NoError(t, err)

	require.Len(t, store.saved, 2)
	assert.Equal(t, int64(2), store.saved[0].Version)
	assert.Equal(t, int64(3), store.saved[1].Version)
	assert.Equal(t, []shared.Account{benA, benB}, store.saved[1].Beneficiaries)

	require.Len(t, store.settlements, 1)
	assert.Equal(t, s.ID, store.settlements[0].ID)
	assert.Equal(t, 2, tx.calls)
}

func TestStore_FailureKeepsState(t *testing.T) {
	boom := errors.New("disk full")
	store := &recordingStore{failSave: boom}
	c := newTestCrowdsale(t, newTestLedger(t, defaultCap, true), nil, WithStore(store))
	before := c.Snapshot()

	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(2), scheduleStart)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, c.Snapshot())
}

func TestRestore_RoundTrip(t *testing.T) {
	ledger := newTestLedger(t, defaultCap, true)
	c := newTestCrowdsale(t, ledger, nil)
	_, err := c.Contribute(context.Background(), contributor, shared.NewAmount(600_000), scheduleStart)
	require.NoError(t, err)

	restored, err := Restore(c.Snapshot(), ledger)
	require.NoError(t, err)
	assert.Equal(t, c.Snapshot(), restored.Snapshot())

	s, err := restored.Contribute(context.Background(), contributor, shared.NewAmount(1), scheduleStart)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RoundID)
}
