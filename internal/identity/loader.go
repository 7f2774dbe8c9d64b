package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type LoaderParams struct {
	fx.In

	Config config.Config
	Engine *config.EngineConfigHolder
	Log    *zap.Logger
	Clock  clock.Clock
	Source domain.Source
	Store  domain.SnapshotStore `optional:"true"`
}

// Loader produces the identity snapshot a run resolves against.
type Loader struct {
	source  domain.Source
	store   domain.SnapshotStore
	engine  *config.EngineConfigHolder
	timeout time.Duration
	clock   clock.Clock
	log     *zap.Logger
}

func NewLoader(p LoaderParams) *Loader {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Loader{
		source:  p.Source,
		store:   p.Store,
		engine:  p.Engine,
		timeout: p.Config.Identity.Timeout,
		clock:   c,
		log:     p.Log.Named("identity.loader"),
	}
}

// Load reads and validates the mapping. When the source stays unreachable
// after retries it falls back to the last good snapshot, and to an empty one
// if none was ever saved. Both fallbacks are marked stale; Load only fails
// when ctx ends.
func (l *Loader) Load(ctx context.Context) (*domain.Snapshot, error) {
	policy := retry.PolicyFrom(l.engine.Get().Retry)
	if l.timeout > 0 {
		policy.Timeout = l.timeout
	}

	rows, err := retry.Do(ctx, policy, func(attempt int, err error, next time.Duration) {
		l.log.Warn("identity.source.retry",
			zap.String("source", l.source.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}, l.source.Rows)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return l.fallback(ctx, err), nil
	}

	snapshot := BuildSnapshot(l.source.Name(), rows, l.clock.Now())
	for _, issue := range snapshot.Issues {
		var mappingErr *errs.MappingDataError
		if errors.As(issue, &mappingErr) {
			l.log.Warn("identity.mapping.invalid",
				zap.String("source", mappingErr.Source),
				zap.Int("line", mappingErr.Line),
				zap.String("platform", mappingErr.Platform),
				zap.String("vendor_identity", mappingErr.VendorIdentity),
				zap.String("reason", mappingErr.Reason),
			)
		}
	}
	if snapshot.Conflicts > 0 {
		l.log.Warn("identity.mapping.conflict", zap.Int("conflicts", snapshot.Conflicts))
	}

	if l.store != nil {
		if err := l.store.Save(ctx, snapshot); err != nil {
			l.log.Warn("identity.snapshot.save_failed", zap.Error(err))
		}
	}

	l.log.Info("identity.snapshot.loaded",
		zap.String("version", snapshot.Version),
		zap.String("source", snapshot.Source),
		zap.Int("rows", snapshot.RowsRead),
		zap.Int("mappings", snapshot.Len()),
		zap.Int("malformed", snapshot.Malformed),
		zap.Int("conflicts", snapshot.Conflicts),
	)
	return snapshot, nil
}

func (l *Loader) fallback(ctx context.Context, cause error) *domain.Snapshot {
	unavailable := &errs.MappingDataError{
		Source: l.source.Name(),
		Reason: fmt.Sprintf("identity source unavailable: %v", cause),
	}

	if l.store != nil {
		previous, err := l.store.Latest(ctx)
		if err == nil {
			previous.Stale = true
			previous.Issues = append(previous.Issues, unavailable)
			l.log.Warn("identity.snapshot.stale",
				zap.String("version", previous.Version),
				zap.Time("loaded_at", previous.LoadedAt),
				zap.Error(cause),
			)
			return previous
		}
		if !errors.Is(err, domain.ErrSnapshotNotFound) {
			l.log.Warn("identity.snapshot.read_failed", zap.Error(err))
		}
	}

	empty := domain.NewSnapshot(l.source.Name(), l.clock.Now(), nil)
	empty.Stale = true
	empty.Issues = []error{unavailable}
	l.log.Error("identity.snapshot.empty", zap.Error(cause))
	return empty
}
