package checkout

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
)

type SaleSnapshots interface {
	LoadSales(ctx context.Context) ([]domain.Sale, error)
	SaveSales(ctx context.Context, sales []domain.Sale) error
}

const historyLimit = 500

// History is the in-memory list of sales rung up on this till, newest first.
// Entries move from pending to confirmed (or rejected) as the back office
// answers; they are never deleted except when a commit fails outright.
type History struct {
	mu    sync.RWMutex
	sales []domain.Sale
	snaps SaleSnapshots
	log   *zap.Logger
}

func NewHistory(snaps SaleSnapshots, log *zap.Logger) *History {
	if log == nil {
		log = zap.NewNop()
	}
	return &History{snaps: snaps, log: log}
}

func (h *History) Load(ctx context.Context) error {
	if h.snaps == nil {
		return nil
	}
	sales, err := h.snaps.LoadSales(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sales = sales
	h.mu.Unlock()
	return nil
}

func (h *History) List() []domain.Sale {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Sale, len(h.sales))
	for i, s := range h.sales {
		out[i] = cloneSale(s)
	}
	return out
}

// Find matches either the server id or the client temp id.
func (h *History) Find(key string) (domain.Sale, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.indexOf(key)
	if idx < 0 {
		return domain.Sale{}, false
	}
	return cloneSale(h.sales[idx]), true
}

func (h *History) append(ctx context.Context, sale domain.Sale) {
	h.mu.Lock()
	if h.indexOf(sale.TempID) >= 0 {
		h.mu.Unlock()
		return
	}
	h.sales = slices.Insert(h.sales, 0, cloneSale(sale))
	if len(h.sales) > historyLimit {
		h.sales = h.sales[:historyLimit]
	}
	h.mu.Unlock()
	h.persist(ctx)
}

// confirm replaces the pending entry with the authority's record.
func (h *History) confirm(ctx context.Context, tempID string, confirmed domain.Sale) {
	confirmed.TempID = tempID
	confirmed.SyncState = domain.SyncConfirmed
	confirmed.RejectReason = ""

	h.mu.Lock()
	idx := h.indexOf(tempID)
	if idx < 0 {
		h.sales = slices.Insert(h.sales, 0, cloneSale(confirmed))
	} else {
		h.sales[idx] = cloneSale(confirmed)
	}
	h.mu.Unlock()
	h.persist(ctx)
}

// confirmID marks a synced offline sale as confirmed with its server id.
func (h *History) confirmID(ctx context.Context, tempID string, saleID string) {
	h.update(ctx, tempID, func(s *domain.Sale) {
		if saleID != "" {
			s.ID = saleID
		}
		s.SyncState = domain.SyncConfirmed
		s.RejectReason = ""
	})
}

func (h *History) reject(ctx context.Context, tempID string, reason string) {
	h.update(ctx, tempID, func(s *domain.Sale) {
		s.SyncState = domain.SyncRejected
		s.RejectReason = reason
	})
}

func (h *History) remove(ctx context.Context, tempID string) {
	h.mu.Lock()
	h.sales = slices.DeleteFunc(h.sales, func(s domain.Sale) bool { return s.TempID == tempID })
	h.mu.Unlock()
	h.persist(ctx)
}

func (h *History) update(ctx context.Context, key string, fn func(*domain.Sale)) bool {
	h.mu.Lock()
	idx := h.indexOf(key)
	if idx < 0 {
		h.mu.Unlock()
		return false
	}
	fn(&h.sales[idx])
	h.mu.Unlock()
	h.persist(ctx)
	return true
}

func (h *History) indexOf(key string) int {
	if key == "" {
		return -1
	}
	return slices.IndexFunc(h.sales, func(s domain.Sale) bool { return s.ID == key || s.TempID == key })
}

func (h *History) persist(ctx context.Context) {
	if h.snaps == nil {
		return
	}
	if err := h.snaps.SaveSales(ctx, h.List()); err != nil {
		h.log.Warn("save sale snapshot failed", zap.Error(err))
	}
}

func cloneSale(s domain.Sale) domain.Sale {
	s.Items = slices.Clone(s.Items)
	return s
}
