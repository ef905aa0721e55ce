package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
)

type Connectivity interface {
	Online() bool
}

type Outcome string

const (
	OutcomeNone    Outcome = "none"
	OutcomeBypass  Outcome = "bypass"
	OutcomeAdopted Outcome = "adopted"
	OutcomeCached  Outcome = "cached"
	OutcomeStale   Outcome = "stale"
	OutcomeOffline Outcome = "offline"
	OutcomeSkipped Outcome = "skipped"
)

// Recovery rebuilds the shift state after a restart or a change of user. It
// runs once per (user, store, role). Runs that could not get an answer from
// the back office are not remembered, so the next call asks again.
type Recovery struct {
	mu      sync.Mutex
	lastKey string

	m    *Manager
	conn Connectivity
	log  *zap.Logger
}

func NewRecovery(m *Manager, conn Connectivity, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{m: m, conn: conn, log: log}
}

func (r *Recovery) Run(ctx context.Context, who domain.Identity) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := who.Key()
	if r.lastKey == key {
		return OutcomeSkipped
	}

	r.m.setRecovering(true)
	defer r.m.setRecovering(false)

	outcome, settled := r.recover(ctx, who)
	if settled {
		r.lastKey = key
	}
	r.log.Info("shift recovery finished",
		zap.String("user_id", who.UserID),
		zap.String("store_id", who.StoreID),
		zap.String("outcome", string(outcome)),
	)
	return outcome
}

// Reset forgets the last identity so the next Run starts over.
func (r *Recovery) Reset() {
	r.mu.Lock()
	r.lastKey = ""
	r.mu.Unlock()
}

// recover reports the outcome and whether it came from a back office answer.
func (r *Recovery) recover(ctx context.Context, who domain.Identity) (Outcome, bool) {
	m := r.m

	if who.UserID == "" {
		m.reset(ctx, who, false)
		return OutcomeNone, true
	}
	if m.isAdmin(who) {
		m.setIdentity(who)
		return OutcomeBypass, true
	}

	if r.conn != nil && !r.conn.Online() {
		if _, open := m.ActiveShift(); open {
			m.setIdentity(who)
			return OutcomeOffline, false
		}
		r.fromCache(ctx, who)
		return OutcomeOffline, false
	}

	shift, err := m.authority.CurrentShift(ctx, who.StoreID)
	switch {
	case err == nil:
		if !m.today(shift.StartTime) {
			r.discardStale(ctx, who, *shift)
			return OutcomeStale, true
		}
		m.adopt(ctx, *shift, who)
		return OutcomeAdopted, true

	case errors.Is(err, remote.ErrNotFound):
		m.reset(ctx, who, true)
		return OutcomeNone, true

	default:
		if remote.IsTransport(err) {
			r.log.Warn("current shift lookup failed, trying local cache", zap.Error(err))
		} else {
			r.log.Error("current shift lookup rejected, trying local cache", zap.Error(err))
		}
		return r.fromCache(ctx, who), false
	}
}

// fromCache adopts the cached shift if it belongs to this store and was
// opened today.
func (r *Recovery) fromCache(ctx context.Context, who domain.Identity) Outcome {
	m := r.m

	cached, ok, err := m.cache.LoadShift(ctx)
	if err != nil {
		r.log.Warn("read cached shift failed", zap.Error(err))
		m.reset(ctx, who, false)
		return OutcomeNone
	}
	if !ok || cached.Status != domain.ShiftStatusOpen || (cached.StoreID != "" && cached.StoreID != who.StoreID) {
		m.reset(ctx, who, false)
		return OutcomeNone
	}
	if !m.today(cached.StartTime) {
		r.discardStale(ctx, who, *cached)
		return OutcomeStale
	}
	m.adopt(ctx, *cached, who)
	return OutcomeCached
}

// discardStale drops a shift from a previous business day. The back office
// is not asked to close it.
func (r *Recovery) discardStale(ctx context.Context, who domain.Identity, shift domain.Shift) {
	r.log.Warn("discarding shift from a previous day",
		zap.String("shift_id", shift.ID),
		zap.String("store_id", who.StoreID),
		zap.Time("start_time", shift.StartTime),
		zap.Time("now", r.m.clock.Now()),
	)
	r.m.reset(ctx, who, true)
}
