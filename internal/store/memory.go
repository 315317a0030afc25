package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/model"
)

// MemoryStore keeps entries in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	bills  []BillEntry
	byFP   map[string]int
	meters map[string]MeterEntry
	latest string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{byFP: make(map[string]int), meters: make(map[string]MeterEntry)}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetBill(_ context.Context, fingerprint string) (*BillEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byFP[fingerprint]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: bill %s", fingerprint)
	}
	e := s.bills[i]
	return &e, nil
}

func (s *MemoryStore) PutBill(_ context.Context, e *BillEntry) (bool, error) {
	if e == nil || e.Fingerprint == "" {
		return false, eris.New("memory: bill entry needs a fingerprint")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byFP[e.Fingerprint]; ok {
		return false, nil
	}
	stamp(&e.ID, &e.CreatedAt)
	s.byFP[e.Fingerprint] = len(s.bills)
	s.bills = append(s.bills, *e)
	return true, nil
}

func (s *MemoryStore) ListBills(_ context.Context, filter BillFilter) ([]BillEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BillEntry
	skipped := 0
	for i := range s.bills {
		if !filter.matches(&s.bills[i]) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, s.bills[i])
		if len(out) == filter.limit() {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMeter(_ context.Context, mprn string) (*MeterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.meters[model.NormalizeMPRN(mprn)]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: meter %s", mprn)
	}
	return &e, nil
}

func (s *MemoryStore) PutMeter(_ context.Context, e *MeterEntry) error {
	if e == nil || e.Series == nil {
		return eris.New("memory: meter entry needs a series")
	}
	e.MPRN = model.NormalizeMPRN(e.Series.MPRN)
	e.ID = ""
	stamp(&e.ID, &e.UploadedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meters[e.MPRN] = *e
	s.latest = e.MPRN
	return nil
}

func (s *MemoryStore) LatestMeter(context.Context) (*MeterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.meters[s.latest]
	if !ok {
		return nil, eris.Wrap(ErrNotFound, "memory: latest meter")
	}
	return &e, nil
}

func (s *MemoryStore) ListMeters(context.Context) ([]MeterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MeterEntry, 0, len(s.meters))
	for _, e := range s.meters {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MPRN < out[j].MPRN })
	return out, nil
}

// stamp fills a missing id and timestamp.
func stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if at.IsZero() {
		*at = time.Now().UTC()
	}
}
