package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/internal/identity/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSource struct {
	mu    sync.Mutex
	rows  []domain.MappingRow
	fails []error
	calls int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Rows(ctx context.Context) ([]domain.MappingRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.fails) > 0 {
		err := s.fails[0]
		s.fails = s.fails[1:]
		return nil, err
	}
	return s.rows, nil
}

func newTestLoader(t *testing.T, src domain.Source, store domain.SnapshotStore) *Loader {
	t.Helper()
	engine := config.DefaultEngineConfig()
	engine.Retry = config.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Timeout: time.Second}
	return NewLoader(LoaderParams{
		Config: config.Config{},
		Engine: config.NewStaticEngineConfigHolder(engine),
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2026, 10, 2, 6, 0, 0, 0, time.UTC)),
		Source: src,
		Store:  store,
	})
}

func transient(msg string) error {
	return &errs.TransientFetchError{Platform: "identity", Op: "read", Err: errors.New(msg)}
}

func TestLoaderRetriesTransientFailures(t *testing.T) {
	src := &stubSource{
		rows:  []domain.MappingRow{{VendorIdentity: "k", CanonicalEmail: "k@co.com", Platform: "cursor"}},
		fails: []error{transient("timeout")},
	}

	snapshot, err := newTestLoader(t, src, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.False(t, snapshot.Stale)
	assert.Equal(t, 1, snapshot.Len())
}

func TestLoaderFallsBackToLastGoodSnapshot(t *testing.T) {
	store, err := repository.OpenBoltStore(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	good := &stubSource{rows: []domain.MappingRow{{VendorIdentity: "k", CanonicalEmail: "k@co.com", Platform: "cursor"}}}
	first, err := newTestLoader(t, good, store).Load(context.Background())
	require.NoError(t, err)

	down := &stubSource{fails: []error{transient("a"), transient("b"), transient("c")}}
	second, err := newTestLoader(t, down, store).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, down.calls)
	assert.True(t, second.Stale)
	assert.Equal(t, first.Version, second.Version)
	require.NotEmpty(t, second.Issues)
	m, ok := second.Lookup("cursor", "k")
	require.True(t, ok)
	assert.Equal(t, "k@co.com", m.CanonicalEmail)
}

func TestLoaderWithoutFallbackReturnsEmptyStaleSnapshot(t *testing.T) {
	down := &stubSource{fails: []error{errors.New("permission denied")}}

	snapshot, err := newTestLoader(t, down, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, down.calls, "non-retryable errors are not retried")
	assert.True(t, snapshot.Stale)
	assert.Zero(t, snapshot.Len())
	require.Len(t, snapshot.Issues, 1)
}

func TestLoaderStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestLoader(t, &stubSource{}, nil).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
