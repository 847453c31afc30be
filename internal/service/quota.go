package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/domain"
	"github.com/sitesquad/sitesquad/internal/domain/usage"
	"github.com/sitesquad/sitesquad/internal/port/database"
)

// QuotaService guards the per-user run allowance. Admission is
// check-and-increment in one step so concurrent starts for the same user can
// never exceed the limit; the store provides the atomic counter and a
// striped lock serializes local callers for the same user. Striping keeps
// the lock table fixed-size no matter how many users pass through.
type QuotaService struct {
	store database.Store
	cfg   config.Quota
	now   func() time.Time

	locks [64]sync.Mutex
}

func NewQuotaService(store database.Store, cfg config.Quota) *QuotaService {
	return &QuotaService{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Check reads the user's usage without consuming anything.
func (q *QuotaService) Check(ctx context.Context, userID string) (usage.Record, error) {
	rec, err := q.store.GetUsage(ctx, userID, q.cfg.FreeLimit)
	if err != nil {
		return usage.Record{}, fmt.Errorf("get usage: %w", err)
	}
	rec.BetaActive = q.cfg.BetaActive(q.now())
	return rec.WithRemaining(), nil
}

// Admit consumes one run slot or returns domain.ErrQuotaExceeded. The beta
// gate is checked first: after the beta window closes no new runs start.
func (q *QuotaService) Admit(ctx context.Context, userID string) (usage.Record, error) {
	if !q.cfg.BetaActive(q.now()) {
		return usage.Record{}, fmt.Errorf("the beta period has ended: %w", domain.ErrQuotaExceeded)
	}

	lock := q.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, granted, err := q.store.AdmitUsage(ctx, userID, q.cfg.FreeLimit)
	if err != nil {
		return usage.Record{}, fmt.Errorf("admit usage: %w", err)
	}
	rec.BetaActive = true
	if !granted {
		return rec.WithRemaining(), fmt.Errorf("free test limit of %d reached: %w",
			q.cfg.FreeLimit, domain.ErrQuotaExceeded)
	}
	return rec.WithRemaining(), nil
}

func (q *QuotaService) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &q.locks[h.Sum32()%uint32(len(q.locks))]
}
