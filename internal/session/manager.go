package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"kasirinaja/terminal/internal/clock"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoActiveSession  = errors.New("no active shift")
	ErrOpenInProgress   = errors.New("shift open in progress")
	ErrRecoveryFailed   = errors.New("open shift could not be recovered, administrator required")
)

type Authority interface {
	CurrentShift(ctx context.Context, storeID string) (*domain.Shift, error)
	OpenShift(ctx context.Context, in domain.ShiftOpenRequest) (*domain.Shift, error)
	CloseShift(ctx context.Context, in domain.ShiftCloseRequest) (*domain.ClosedShift, error)
}

type ShiftCache interface {
	LoadShift(ctx context.Context) (*domain.Shift, bool, error)
	SaveShift(ctx context.Context, shift domain.Shift) error
	ClearShift(ctx context.Context) error
}

type Options struct {
	TerminalID string
	AdminRole  string
	Location   *time.Location
	Clock      clock.Clock
	Logger     *zap.Logger
	// OnChange is called with true while a shift is open and false otherwise.
	OnChange func(open bool)
}

// Snapshot is what the till UI renders from. ShiftRequired is only true once
// recovery has finished and found nothing, so the "open shift" prompt never
// flashes during a reload.
type Snapshot struct {
	State           domain.SessionState `json:"state"`
	Shift           *domain.Shift       `json:"shift,omitempty"`
	ExpectedBalance *decimal.Decimal    `json:"expected_balance,omitempty"`
	Identity        domain.Identity     `json:"identity"`
	Recovering      bool                `json:"recovering"`
	Opening         bool                `json:"opening"`
	ShiftRequired   bool                `json:"shift_required"`
}

// Manager owns the till's shift. All mutations go through it; the shift is
// persisted to the cache after every change so a restart can find it again.
type Manager struct {
	mu         sync.Mutex
	state      domain.SessionState
	shift      *domain.Shift
	identity   domain.Identity
	opening    bool
	recovering bool

	group     singleflight.Group
	authority Authority
	cache     ShiftCache
	clock     clock.Clock
	loc       *time.Location
	log       *zap.Logger

	terminalID string
	adminRole  string
	onChange   func(bool)
}

func NewManager(authority Authority, cache ShiftCache, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnChange == nil {
		opts.OnChange = func(bool) {}
	}
	return &Manager{
		state:      domain.SessionNone,
		authority:  authority,
		cache:      cache,
		clock:      opts.Clock,
		loc:        opts.Location,
		log:        opts.Logger,
		terminalID: opts.TerminalID,
		adminRole:  strings.TrimSpace(opts.AdminRole),
		onChange:   opts.OnChange,
	}
}

// OpenSession opens a shift for the identity's store. A shift that is already
// open is returned as is. Concurrent calls for one store share a single
// request to the back office and all receive the same shift.
func (m *Manager) OpenSession(ctx context.Context, who domain.Identity, startBalance decimal.Decimal) (domain.Shift, error) {
	if strings.TrimSpace(who.UserID) == "" {
		return domain.Shift{}, ErrNotAuthenticated
	}
	if strings.TrimSpace(who.StoreID) == "" {
		return domain.Shift{}, fmt.Errorf("%w: store id is required", domain.ErrValidation)
	}
	if startBalance.IsNegative() {
		return domain.Shift{}, fmt.Errorf("%w: start balance must not be negative", domain.ErrValidation)
	}

	if shift, ok := m.ActiveShift(); ok {
		return shift, nil
	}

	v, err, shared := m.group.Do(who.StoreID, func() (any, error) {
		return m.open(ctx, who, startBalance.Round(2))
	})
	if err != nil {
		return domain.Shift{}, err
	}
	if shared {
		m.log.Debug("open shift request shared", zap.String("store_id", who.StoreID))
	}
	return v.(domain.Shift), nil
}

func (m *Manager) open(ctx context.Context, who domain.Identity, startBalance decimal.Decimal) (domain.Shift, error) {
	m.mu.Lock()
	if m.state == domain.SessionOpen && m.shift != nil {
		shift := *m.shift
		m.mu.Unlock()
		return shift, nil
	}
	m.opening = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.opening = false
		m.mu.Unlock()
	}()

	created, err := m.authority.OpenShift(ctx, domain.ShiftOpenRequest{
		StoreID:       who.StoreID,
		TerminalID:    m.terminalID,
		InitialAmount: startBalance,
		OpenedBy:      who.UserID,
	})
	if err == nil {
		if created.StartBalance.IsZero() && !startBalance.IsZero() {
			created.StartBalance = startBalance
		}
		shift := m.adopt(ctx, *created, who)
		m.log.Info("shift opened",
			zap.String("shift_id", shift.ID),
			zap.String("store_id", shift.StoreID),
			zap.Stringer("start_balance", shift.StartBalance),
		)
		return shift, nil
	}

	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) {
		return domain.Shift{}, fmt.Errorf("open shift: %w", err)
	}

	existing := conflict.Shift
	if existing == nil || existing.Status != domain.ShiftStatusOpen {
		current, cerr := m.authority.CurrentShift(ctx, who.StoreID)
		if cerr != nil {
			m.log.Error("shift already open but could not be recovered",
				zap.String("store_id", who.StoreID),
				zap.Error(cerr),
			)
			return domain.Shift{}, fmt.Errorf("%w: %v", ErrRecoveryFailed, cerr)
		}
		existing = current
	}
	if !clock.SameDay(existing.StartTime, m.clock.Now(), m.loc) {
		m.log.Warn("adopting open shift from a previous day",
			zap.String("shift_id", existing.ID),
			zap.Time("start_time", existing.StartTime),
		)
	}

	shift := m.adopt(ctx, *existing, who)
	m.log.Info("adopted shift already open on the back office",
		zap.String("shift_id", shift.ID),
		zap.String("store_id", shift.StoreID),
	)
	return shift, nil
}

// CloseSession reconciles the counted cash against the expected balance. The
// shift stays open when the back office refuses or cannot be reached.
func (m *Manager) CloseSession(ctx context.Context, endBalanceReal decimal.Decimal, notes string) (domain.CloseResult, error) {
	if endBalanceReal.IsNegative() {
		return domain.CloseResult{}, fmt.Errorf("%w: counted cash must not be negative", domain.ErrValidation)
	}

	m.mu.Lock()
	if m.opening {
		m.mu.Unlock()
		return domain.CloseResult{}, ErrOpenInProgress
	}
	if m.state != domain.SessionOpen || m.shift == nil {
		m.mu.Unlock()
		return domain.CloseResult{}, ErrNoActiveSession
	}
	shift := *m.shift
	m.mu.Unlock()

	endBalanceReal = endBalanceReal.Round(2)
	expected := shift.Expected()

	closed, err := m.authority.CloseShift(ctx, domain.ShiftCloseRequest{
		StoreID:        shift.StoreID,
		ShiftID:        shift.ID,
		FinalAmount:    endBalanceReal,
		ExpectedAmount: expected,
		Notes:          notes,
	})
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("close shift: %w", err)
	}

	difference := endBalanceReal.Sub(expected).Round(2)
	if closed != nil && closed.Difference != nil {
		difference = closed.Difference.Round(2)
	}
	closedAt := m.clock.Now()

	m.mu.Lock()
	if m.shift != nil && m.shift.ID == shift.ID {
		shift = *m.shift
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ExpectedBalance = &expected
	shift.EndBalanceReal = &endBalanceReal
	shift.Difference = &difference
	shift.ClosedAt = &closedAt
	m.shift = &shift
	m.state = domain.SessionClosed
	m.mu.Unlock()

	if err := m.cache.ClearShift(ctx); err != nil {
		m.log.Warn("clear cached shift failed", zap.String("shift_id", shift.ID), zap.Error(err))
	}
	m.onChange(false)

	m.log.Info("shift closed",
		zap.String("shift_id", shift.ID),
		zap.Stringer("expected", expected),
		zap.Stringer("counted", endBalanceReal),
		zap.Stringer("difference", difference),
	)
	return domain.CloseResult{Shift: shift, Expected: expected, Difference: difference}, nil
}

// ContributeCashSale folds a committed cash sale into the open shift.
func (m *Manager) ContributeCashSale(ctx context.Context, amount decimal.Decimal) error {
	return m.accumulate(ctx, amount, func(s *domain.Shift) {
		s.CashSales = s.CashSales.Add(amount).Round(2)
	})
}

// ContributeRefund records cash paid back out of the till during the shift.
func (m *Manager) ContributeRefund(ctx context.Context, amount decimal.Decimal) error {
	return m.accumulate(ctx, amount, func(s *domain.Shift) {
		s.Refunds = s.Refunds.Add(amount).Round(2)
	})
}

func (m *Manager) accumulate(ctx context.Context, amount decimal.Decimal, apply func(*domain.Shift)) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.SessionOpen || m.shift == nil {
		return ErrNoActiveSession
	}
	apply(m.shift)

	if err := m.cache.SaveShift(ctx, *m.shift); err != nil {
		m.log.Warn("persist shift snapshot failed", zap.String("shift_id", m.shift.ID), zap.Error(err))
	}
	return nil
}

func (m *Manager) ActiveShift() (domain.Shift, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.SessionOpen || m.shift == nil {
		return domain.Shift{}, false
	}
	return *m.shift, true
}

func (m *Manager) Opening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opening
}

func (m *Manager) Recovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:      m.state,
		Identity:   m.identity,
		Recovering: m.recovering,
		Opening:    m.opening,
	}
	if m.shift != nil {
		shift := *m.shift
		snap.Shift = &shift
		if shift.Status == domain.ShiftStatusOpen {
			expected := shift.Expected()
			snap.ExpectedBalance = &expected
		} else if shift.ExpectedBalance != nil {
			expected := *shift.ExpectedBalance
			snap.ExpectedBalance = &expected
		}
	}
	snap.ShiftRequired = m.identity.UserID != "" &&
		!m.isAdmin(m.identity) &&
		!m.recovering &&
		m.state != domain.SessionOpen
	return snap
}

func (m *Manager) isAdmin(who domain.Identity) bool {
	return m.adminRole != "" && strings.EqualFold(who.Role, m.adminRole)
}

func (m *Manager) today(t time.Time) bool {
	return clock.SameDay(t, m.clock.Now(), m.loc)
}

// adopt makes shift the open shift of this till and persists it.
func (m *Manager) adopt(ctx context.Context, shift domain.Shift, who domain.Identity) domain.Shift {
	shift.Status = domain.ShiftStatusOpen
	if shift.StoreID == "" {
		shift.StoreID = who.StoreID
	}
	if shift.OwnerID == "" {
		shift.OwnerID = who.UserID
	}
	if shift.TerminalID == "" {
		shift.TerminalID = m.terminalID
	}

	m.mu.Lock()
	m.state = domain.SessionOpen
	m.shift = &shift
	m.identity = who
	m.mu.Unlock()

	if err := m.cache.SaveShift(ctx, shift); err != nil {
		m.log.Warn("persist shift snapshot failed", zap.String("shift_id", shift.ID), zap.Error(err))
	}
	m.onChange(true)
	return shift
}

// reset drops any local shift. The cache entry is removed when clearCache is
// set.
func (m *Manager) reset(ctx context.Context, who domain.Identity, clearCache bool) {
	m.mu.Lock()
	m.state = domain.SessionNone
	m.shift = nil
	m.identity = who
	m.mu.Unlock()

	if clearCache {
		if err := m.cache.ClearShift(ctx); err != nil {
			m.log.Warn("clear cached shift failed", zap.Error(err))
		}
	}
	m.onChange(false)
}

func (m *Manager) setIdentity(who domain.Identity) {
	m.mu.Lock()
	m.identity = who
	m.mu.Unlock()
}

func (m *Manager) setRecovering(v bool) {
	m.mu.Lock()
	m.recovering = v
	m.mu.Unlock()
}
