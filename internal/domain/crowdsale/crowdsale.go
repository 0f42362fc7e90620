package crowdsale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the capped, mintable token ledger the crowdsale issues tokens on.
// Mint fails with shared.ErrCapExceeded or shared.ErrNotMinter and has no
// effect in that case.
type Ledger interface {
	Cap() shared.Amount
	Mint(ctx context.Context, minter, to shared.Account, amount shared.Amount) error
}

// Store persists the crowdsale state after every successful operation.
// Save must fail with shared.ErrConcurrentModification when the stored
// version is not state.Version-1.
type Store interface {
	Save(ctx context.Context, state State) error
	RecordSettlement(ctx context.Context, s *Settlement) error
}

// Transactor runs fn inside a single unit of work shared by the ledger and
// the store. A non-nil error from fn rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds construction parameters of a crowdsale.
type Config struct {
	// ID is generated when empty.
	ID string

	// Minter is the account the crowdsale mints tokens as.
	Minter shared.Account

	// Deployer seeds the administrator set.
	Deployer shared.Account

	Schedule ScheduleConfig

	// MinDeposit is the smallest accepted contribution.
	MinDeposit shared.Amount

	// UnitScale divides value*rate. Zero means 1.
	UnitScale shared.Amount

	RemainderPolicy RemainderPolicy

	// Beneficiaries are registered at construction, in order.
	Beneficiaries []shared.Account
}

// DefaultMinDeposit is 0.1 of a whole value unit of 1e18.
var DefaultMinDeposit = shared.NewAmount(100_000_000_000_000_000)

// DefaultUnitScale is the number of value base units per whole unit.
var DefaultUnitScale = shared.NewAmount(1_000_000_000_000_000_000)

// Option configures optional collaborators.
type Option func(*Crowdsale)

// WithStore persists every state change through s.
func WithStore(s Store) Option {
	return func(c *Crowdsale) { c.store = s }
}

// WithTransactor wraps mint and persistence in one transaction.
func WithTransactor(t Transactor) Option {
	return func(c *Crowdsale) { c.tx = t }
}

// WithClock sets the clock used to timestamp administrative events.
func WithClock(now func() time.Time) Option {
	return func(c *Crowdsale) { c.now = now }
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE
// ══════════════════════════════════════════════════════════════════════════════

// State is a deep copy of everything a crowdsale owns. It is what Store
// persists and what Restore rebuilds from.
type State struct {
	ID     string
	Minter shared.Account

	Rounds         []Round
	QuotaDivisor   uint64
	CurrentRoundID int

	GlobalValueRaised  shared.Amount
	GlobalTokensIssued shared.Amount
	GlobalTokensCap    shared.Amount
	MinDeposit         shared.Amount
	UnitScale          shared.Amount

	Beneficiaries   []shared.Account
	RemainderPolicy RemainderPolicy
	Administrators  []shared.Account

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type state struct {
	id     string
	minter shared.Account

	schedule       *Schedule
	currentRoundID int

	globalValueRaised  shared.Amount
	globalTokensIssued shared.Amount
	globalTokensCap    shared.Amount
	minDeposit         shared.Amount
	unitScale          shared.Amount

	beneficiaries  *BeneficiarySet
	administrators *AdministratorSet

	version   int64
	createdAt time.Time
	updatedAt time.Time
}

func (s *state) clone() *state {
	cp := *s
	cp.schedule = s.schedule.clone()
	cp.beneficiaries = s.beneficiaries.clone()
	cp.administrators = s.administrators.clone()
	return &cp
}

func (s *state) export() State {
	return State{
		ID:                 s.id,
		Minter:             s.minter,
		Rounds:             s.schedule.Rounds(),
		QuotaDivisor:       s.schedule.QuotaDivisor(),
		CurrentRoundID:     s.currentRoundID,
		GlobalValueRaised:  s.globalValueRaised,
		GlobalTokensIssued: s.globalTokensIssued,
		GlobalTokensCap:    s.globalTokensCap,
		MinDeposit:         s.minDeposit,
		UnitScale:          s.unitScale,
		Beneficiaries:      s.beneficiaries.Members(),
		RemainderPolicy:    s.beneficiaries.Policy(),
		Administrators:     s.administrators.Members(),
		Version:            s.version,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
	}
}

// advance moves to the next round and freezes its quota against the
// remaining global capacity.
func (s *state) advance(at time.Time, trigger shared.AdvanceTrigger) (shared.Event, error) {
	next := s.currentRoundID + 1
	if next >= s.schedule.Len() {
		return nil, shared.NewDomainError("crowdsale", "Advance", shared.ErrInvalidState, "already in the final round")
	}
	remaining := shared.SubAmountsFloor(s.globalTokensCap, s.globalTokensIssued)
	r, err := s.schedule.activate(next, remaining)
	if err != nil {
		return nil, err
	}
	s.currentRoundID = next
	return shared.NewRoundAdvancedEvent(s.id, at, next, trigger, r.TokensCap, r.CapUnbounded), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// Crowdsale is the aggregate root. All operations on one instance are
// serialized; a failed operation leaves no trace in the state.
type Crowdsale struct {
	mu sync.RWMutex
	st *state

	ledger Ledger
	store  Store
	tx     Transactor
	now    func() time.Time
}

// New builds a crowdsale in round 0. The global token cap is read from the
// ledger, so the two can never disagree.
func New(cfg Config, ledger Ledger, opts ...Option) (*Crowdsale, error) {
	if ledger == nil {
		return nil, shared.NewDomainError("crowdsale", "New", shared.ErrInvalidInput, "ledger is required")
	}
	if cfg.Minter == shared.ZeroAccount || cfg.Deployer == shared.ZeroAccount {
		return nil, shared.ErrInvalidAccount
	}

	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	admins, err := NewAdministratorSet(cfg.Deployer)
	if err != nil {
		return nil, err
	}
	beneficiaries, err := NewBeneficiarySet(cfg.RemainderPolicy, cfg.Beneficiaries...)
	if err != nil {
		return nil, err
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	unitScale := cfg.UnitScale
	if unitScale.IsZero() {
		unitScale = shared.NewAmount(1)
	}

	c := &Crowdsale{ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	created := c.now().UTC()
	c.st = &state{
		id:              id,
		minter:          cfg.Minter,
		schedule:        schedule,
		globalTokensCap: ledger.Cap(),
		minDeposit:      cfg.MinDeposit,
		unitScale:       unitScale,
		beneficiaries:   beneficiaries,
		administrators:  admins,
		version:         1,
		createdAt:       created,
		updatedAt:       created,
	}
	return c, nil
}

// Restore rebuilds a crowdsale from persisted state.
func Restore(s State, ledger Ledger, opts ...Option) (*Crowdsale, error) {
	if ledger == nil {
		return nil, shared.NewDomainError("crowdsale", "Restore", shared.ErrInvalidInput, "ledger is required")
	}
	schedule, err := RestoreSchedule(s.Rounds, s.QuotaDivisor)
	if err != nil {
		return nil, err
	}
	if s.CurrentRoundID < 0 || s.CurrentRoundID >= schedule.Len() {
		return nil, shared.ErrRoundNotFound
	}
	admins, err := RestoreAdministratorSet(s.Administrators)
	if err != nil {
		return nil, err
	}
	beneficiaries, err := NewBeneficiarySet(s.RemainderPolicy, s.Beneficiaries...)
	if err != nil {
		return nil, err
	}
	if s.UnitScale.IsZero() {
		return nil, shared.NewDomainError("crowdsale", "Restore", shared.ErrInvalidState, "unit scale is zero")
	}

	c := &Crowdsale{ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.st = &state{
		id:                 s.ID,
		minter:             s.Minter,
		schedule:           schedule,
		currentRoundID:     s.CurrentRoundID,
		globalValueRaised:  s.GlobalValueRaised,
		globalTokensIssued: s.GlobalTokensIssued,
		globalTokensCap:    s.GlobalTokensCap,
		minDeposit:         s.MinDeposit,
		unitScale:          s.UnitScale,
		beneficiaries:      beneficiaries,
		administrators:     admins,
		version:            s.Version,
		createdAt:          s.CreatedAt,
		updatedAt:          s.UpdatedAt,
	}
	return c, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SETTLEMENT
// ══════════════════════════════════════════════════════════════════════════════

// Settlement is the outcome of one accepted contribution.
type Settlement struct {
	ID          string
	CrowdsaleID string
	Contributor shared.Account
	Value       shared.Amount
	Tokens      shared.Amount
	RoundID     int
	Payouts     []Payout
	SettledAt   time.Time

	// CurrentRoundID is the active round once the contribution is applied.
	CurrentRoundID int

	// Events in emission order: time-driven round advances, the purchase,
	// then at most one quota-driven advance.
	Events []shared.Event
}

// Contribute settles a contribution of value from contributor at time now.
//
// Steps, in order: advance rounds whose start has passed, price the
// contribution at the active round's rate, mint, credit the round and global
// counters, split value across beneficiaries, advance at most one round if
// the quota was exceeded, and emit the purchase notification.
func (c *Crowdsale) Contribute(ctx context.Context, contributor shared.Account, value shared.Amount, now time.Time) (*Settlement, error) {
	if contributor == shared.ZeroAccount {
		return nil, shared.ErrInvalidAccount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if value.Lt(&c.st.minDeposit) {
		return nil, shared.ErrBelowMinimumDeposit
	}
	if c.st.beneficiaries.Len() == 0 {
		return nil, shared.ErrNoBeneficiaries
	}

	next := c.st.clone()
	var advances []shared.Event

	for next.schedule.TimeRequiresAdvance(next.currentRoundID, now) {
		ev, err := next.advance(now, shared.AdvanceByTime)
		if err != nil {
			return nil, err
		}
		advances = append(advances, ev)
	}

	roundID := next.currentRoundID
	round, _ := next.schedule.Round(roundID)
	tokens, err := shared.MulDivAmounts(value, round.Rate, next.unitScale)
	if err != nil {
		return nil, err
	}

	// Counter overflow is checked before anything leaves the process.
	if _, err := shared.AddAmounts(next.globalValueRaised, value); err != nil {
		return nil, err
	}

	settlement := &Settlement{
		ID:          uuid.NewString(),
		CrowdsaleID: next.id,
		Contributor: contributor,
		Value:       value,
		Tokens:      tokens,
		RoundID:     roundID,
		SettledAt:   now,
	}

	err = c.commit(ctx, next, now, func(ctx context.Context) error {
		if err := c.ledger.Mint(ctx, next.minter, contributor, tokens); err != nil {
			return err
		}

		if err := next.schedule.credit(roundID, value, tokens); err != nil {
			return err
		}
		raised, err := shared.AddAmounts(next.globalValueRaised, value)
		if err != nil {
			return err
		}
		issued, err := shared.AddAmounts(next.globalTokensIssued, tokens)
		if err != nil {
			return err
		}
		next.globalValueRaised, next.globalTokensIssued = raised, issued

		payouts, err := next.beneficiaries.Distribute(value)
		if err != nil {
			return err
		}
		settlement.Payouts = payouts

		events := append(advances, shared.NewPurchaseSettledEvent(next.id, now, contributor, value, tokens, roundID))

		current, _ := next.schedule.Round(next.currentRoundID)
		if next.currentRoundID != next.schedule.FinalRoundID() && current.QuotaExceeded() {
			ev, err := next.advance(now, shared.AdvanceByQuota)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		settlement.CurrentRoundID = next.currentRoundID
		settlement.Events = events
		return nil
	}, settlement)
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// commit runs work against next and persists the result, inside a
// transaction when one is configured. The live state is replaced only when
// everything succeeded.
func (c *Crowdsale) commit(ctx context.Context, next *state, at time.Time, work func(ctx context.Context) error, settlement *Settlement) error {
	run := func(ctx context.Context) error {
		if err := work(ctx); err != nil {
			return err
		}
		next.version = c.st.version + 1
		next.updatedAt = at.UTC()
		if c.store == nil {
			return nil
		}
		if err := c.store.Save(ctx, next.export()); err != nil {
			return err
		}
		if settlement != nil {
			return c.store.RecordSettlement(ctx, settlement)
		}
		return nil
	}

	var err error
	if c.tx != nil {
		err = c.tx.WithinTx(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return err
	}
	c.st = next
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMINISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// AddBeneficiary appends account to the beneficiary list and returns its index.
func (c *Crowdsale) AddBeneficiary(ctx context.Context, caller, account shared.Account) (int, []shared.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.st.administrators.Authorize(caller); err != nil {
		return -1, nil, err
	}

	at := c.now()
	next := c.st.clone()
	var index int
	var events []shared.Event
	err := c.commit(ctx, next, at, func(context.Context) error {
		var err error
		index, err = next.beneficiaries.Add(account)
		if err != nil {
			return err
		}
		events = []shared.Event{shared.NewMembershipChangedEvent(shared.EventBeneficiaryAdded, next.id, at, caller, account, index)}
		return nil
	}, nil)
	if err != nil {
		return -1, nil, err
	}
	return index, events, nil
}

// RemoveBeneficiary deletes the beneficiary at index. Later members shift
// down by one.
func (c *Crowdsale) RemoveBeneficiary(ctx context.Context, caller shared.Account, index int) (shared.Account, []shared.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.st.administrators.Authorize(caller); err != nil {
		return shared.ZeroAccount, nil, err
	}

	at := c.now()
	next := c.st.clone()
	var removed shared.Account
	var events []shared.Event
	err := c.commit(ctx, next, at, func(context.Context) error {
		var err error
		removed, err = next.beneficiaries.Remove(index)
		if err != nil {
			return err
		}
		events = []shared.Event{shared.NewMembershipChangedEvent(shared.EventBeneficiaryRemoved, next.id, at, caller, removed, index)}
		return nil
	}, nil)
	if err != nil {
		return shared.ZeroAccount, nil, err
	}
	return removed, events, nil
}

// AddAdministrator grants administrator rights to account.
func (c *Crowdsale) AddAdministrator(ctx context.Context, caller, account shared.Account) ([]shared.Event, error) {
	return c.changeAdministrators(ctx, caller, account, shared.EventAdministratorAdded, (*AdministratorSet).Add)
}

// RemoveAdministrator revokes administrator rights from account.
func (c *Crowdsale) RemoveAdministrator(ctx context.Context, caller, account shared.Account) ([]shared.Event, error) {
	return c.changeAdministrators(ctx, caller, account, shared.EventAdministratorRemoved, (*AdministratorSet).Remove)
}

func (c *Crowdsale) changeAdministrators(
	ctx context.Context,
	caller, account shared.Account,
	eventType shared.EventType,
	apply func(*AdministratorSet, shared.Account, shared.Account) error,
) ([]shared.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	next := c.st.clone()
	var events []shared.Event
	err := c.commit(ctx, next, at, func(context.Context) error {
		if err := apply(next.administrators, caller, account); err != nil {
			return err
		}
		events = []shared.Event{shared.NewMembershipChangedEvent(eventType, next.id, at, caller, account, -1)}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READ ACCESSORS
// ══════════════════════════════════════════════════════════════════════════════

// ID returns the crowdsale identifier.
func (c *Crowdsale) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.id
}

// Minter returns the account the crowdsale mints as.
func (c *Crowdsale) Minter() shared.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.minter
}

// CurrentRoundID returns the active round.
func (c *Crowdsale) CurrentRoundID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.currentRoundID
}

func (c *Crowdsale) GlobalValueRaised() shared.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.globalValueRaised
}

func (c *Crowdsale) GlobalTokensIssued() shared.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.globalTokensIssued
}

func (c *Crowdsale) GlobalTokensCap() shared.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.globalTokensCap
}

func (c *Crowdsale) MinDeposit() shared.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.minDeposit
}

// Round returns a copy of round id.
func (c *Crowdsale) Round(id int) (Round, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.st.schedule.Round(id)
	if !ok {
		return Round{}, shared.WrapError("crowdsale", "Round", shared.ErrNotFound, "round not found", fmt.Errorf("id %d", id))
	}
	return r, nil
}

// Rounds returns a copy of the whole schedule.
func (c *Crowdsale) Rounds() []Round {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.schedule.Rounds()
}

// Beneficiaries returns the beneficiary list in order.
func (c *Crowdsale) Beneficiaries() []shared.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.beneficiaries.Members()
}

// Administrators returns the administrator set.
func (c *Crowdsale) Administrators() []shared.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.administrators.Members()
}

// IsAdministrator reports whether account holds administrator rights.
func (c *Crowdsale) IsAdministrator(account shared.Account) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.administrators.IsMember(account)
}

// Version returns the persistence version of the current state.
func (c *Crowdsale) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.version
}

// Snapshot returns a deep copy of the full state.
func (c *Crowdsale) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.export()
}
