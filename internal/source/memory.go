package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/usageledger/internal/source/domain"
)

// MemoryFetcher serves batches held in memory. Partitions that were never
// added read as not available, the same as a vendor that has not published
// the day yet.
type MemoryFetcher struct {
	mu       sync.Mutex
	batches  map[string]domain.Batch
	failures map[string][]error
	calls    map[string]int
}

func NewMemoryFetcher() *MemoryFetcher {
	return &MemoryFetcher{
		batches:  make(map[string]domain.Batch),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func memoryKey(platform string, date time.Time) string {
	return platform + "|" + domain.Day(date).Format(domain.DateLayout)
}

// Put stores (or replaces) the batch for its platform and activity date.
func (m *MemoryFetcher) Put(b domain.Batch) {
	b.ActivityDate = domain.Day(b.ActivityDate)
	m.mu.Lock()
	m.batches[memoryKey(b.Platform, b.ActivityDate)] = b
	m.mu.Unlock()
}

// FailNext queues errors returned by the next fetches of the partition, in order.
func (m *MemoryFetcher) FailNext(platform string, date time.Time, errs ...error) {
	key := memoryKey(platform, date)
	m.mu.Lock()
	m.failures[key] = append(m.failures[key], errs...)
	m.mu.Unlock()
}

// Calls returns how many times the partition was fetched.
func (m *MemoryFetcher) Calls(platform string, date time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[memoryKey(platform, date)]
}

func (m *MemoryFetcher) Fetch(ctx context.Context, platform string, date time.Time) (domain.Batch, error) {
	if err := ctx.Err(); err != nil {
		return domain.Batch{}, err
	}
	key := memoryKey(platform, date)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	if queued := m.failures[key]; len(queued) > 0 {
		m.failures[key] = queued[1:]
		return domain.Batch{}, queued[0]
	}
	b, ok := m.batches[key]
	if !ok {
		return domain.Batch{}, fmt.Errorf("%s %s: %w", platform, domain.Day(date).Format(domain.DateLayout), domain.ErrPartitionNotAvailable)
	}
	return b, nil
}
