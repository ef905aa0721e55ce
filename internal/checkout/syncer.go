package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/store"
)

const (
	SkipOffline = "offline"
	SkipEmpty   = "empty"
	SkipBusy    = "busy"
)

type SyncReport struct {
	Skipped   string   `json:"skipped,omitempty"`
	Submitted int      `json:"submitted"`
	Accepted  int      `json:"accepted"`
	Duplicate int      `json:"duplicate"`
	Rejected  int      `json:"rejected"`
	Remaining int      `json:"remaining"`
	Removed   []string `json:"removed,omitempty"`
}

// Syncer drains the offline queue into the back office. Entries are removed
// only after the back office has acknowledged them, one by one.
type Syncer struct {
	running sync.Mutex

	authority Authority
	queue     store.PendingQueue
	conn      Connectivity
	stock     Stock
	history   *History
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewSyncer(authority Authority, queue store.PendingQueue, conn Connectivity, stock Stock, history *History, m *metrics.Metrics, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		authority: authority,
		queue:     queue,
		conn:      conn,
		stock:     stock,
		history:   history,
		metrics:   m,
		log:       log,
	}
}

func (s *Syncer) Drain(ctx context.Context) (SyncReport, error) {
	if !s.running.TryLock() {
		return SyncReport{Skipped: SkipBusy}, nil
	}
	defer s.running.Unlock()

	if s.conn != nil && !s.conn.Online() {
		return SyncReport{Skipped: SkipOffline}, nil
	}

	pending, err := s.queue.ListAll(ctx)
	if err != nil {
		s.metrics.SyncRun("error")
		return SyncReport{}, fmt.Errorf("list pending sales: %w", err)
	}
	if len(pending) == 0 {
		s.metrics.QueueDepth(0)
		return SyncReport{Skipped: SkipEmpty}, nil
	}

	report := SyncReport{Submitted: len(pending)}
	ack, err := s.authority.SyncSales(ctx, pending)
	if err != nil {
		s.metrics.SyncRun("failed")
		s.log.Warn("offline sync failed, queue kept", zap.Int("pending", len(pending)), zap.Error(err))
		return report, fmt.Errorf("sync sales: %w", err)
	}

	submitted := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		submitted[p.TempID] = struct{}{}
	}

	statuses := ack.Statuses
	if len(statuses) == 0 {
		if ack.Received < len(pending) {
			s.metrics.SyncRun("failed")
			s.log.Warn("back office acknowledged fewer sales than sent, queue kept",
				zap.Int("pending", len(pending)),
				zap.Int("received", ack.Received),
			)
			return report, fmt.Errorf("%w: received %d of %d", ErrSyncUnconfirmed, ack.Received, len(pending))
		}
		statuses = make([]domain.SyncStatus, 0, len(pending))
		for _, p := range pending {
			statuses = append(statuses, domain.SyncStatus{TempID: p.TempID, Status: domain.SyncStatusAccepted})
		}
	}

	for _, st := range statuses {
		if _, ok := submitted[st.TempID]; !ok {
			continue
		}
		switch st.Status {
		case domain.SyncStatusAccepted, domain.SyncStatusDuplicate:
			if st.Status == domain.SyncStatusDuplicate {
				report.Duplicate++
			} else {
				report.Accepted++
			}
			s.history.confirmID(ctx, st.TempID, st.SaleID)
		case domain.SyncStatusRejected:
			report.Rejected++
			s.history.reject(ctx, st.TempID, st.Reason)
			s.log.Error("offline sale rejected by back office",
				zap.String("temp_id", st.TempID),
				zap.String("reason", st.Reason),
			)
		default:
			continue
		}
		report.Removed = append(report.Removed, st.TempID)
		delete(submitted, st.TempID)
	}

	if err := s.queue.Remove(ctx, report.Removed...); err != nil {
		s.metrics.SyncRun("error")
		return report, fmt.Errorf("remove synced sales: %w", err)
	}

	if n, err := s.queue.Count(ctx); err == nil {
		report.Remaining = n
		s.metrics.QueueDepth(n)
	}
	s.metrics.SyncRun("ok")
	s.log.Info("offline queue drained",
		zap.Int("submitted", report.Submitted),
		zap.Int("accepted", report.Accepted),
		zap.Int("duplicate", report.Duplicate),
		zap.Int("rejected", report.Rejected),
		zap.Int("remaining", report.Remaining),
	)

	if s.stock != nil {
		if err := s.stock.Refresh(ctx); err != nil {
			s.log.Warn("catalog refresh after sync failed", zap.Error(err))
		}
	}
	return report, nil
}

// Run drains on every interval tick and whenever connectivity comes back.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, transitions <-chan bool) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drain := func(reason string) {
		if _, err := s.Drain(ctx); err != nil {
			s.log.Warn("scheduled sync failed", zap.String("trigger", reason), zap.Error(err))
		}
	}

	drain("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain("interval")
		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if online {
				drain("reconnect")
			}
		}
	}
}
