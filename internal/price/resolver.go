package price

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"AgentVault/pkg/logger"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Cache lookup outcomes reported to the result hook.
const (
	ResultHit   = "hit"
	ResultFetch = "fetch"
	ResultStale = "stale"
	ResultMiss  = "unavailable"
)

// Resolver serves quotes from cache, falls back through its oracles in
// order and, when all of them fail, serves a stale entry while it is inside
// the stale window.
type Resolver struct {
	oracles  []Oracle
	cache    Cache
	ttl      time.Duration
	stale    time.Duration
	timeout  time.Duration
	now      func() time.Time
	onResult func(result string)
	group    singleflight.Group
	logger   *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache) Option {
	return func(r *Resolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithTTL sets the freshness and stale windows.
func WithTTL(ttl, stale time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
		if stale >= 0 {
			r.stale = stale
		}
	}
}

// WithTimeout bounds each oracle call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithResultHook observes every lookup outcome.
func WithResultHook(fn func(result string)) Option {
	return func(r *Resolver) { r.onResult = fn }
}

// NewResolver queries oracles in the given order.
func NewResolver(oracles []Oracle, opts ...Option) *Resolver {
	r := &Resolver{
		oracles: oracles,
		cache:   NewMemoryCache(),
		ttl:     time.Minute,
		stale:   5 * time.Minute,
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger.Named("price"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Price returns the USD quote of asset or a PRICE_UNAVAILABLE error.
func (r *Resolver) Price(ctx context.Context, asset Asset) (*Info, error) {
	key := asset.Key()
	cached, found := r.lookup(ctx, key)
	now := r.now()
	if found && now.Before(cached.ExpiresAt) {
		r.report(ResultHit)
		cached.Stale = false
		return cached, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetch(ctx, asset)
	})
	if err == nil {
		r.report(ResultFetch)
		info := *v.(*Info)
		return &info, nil
	}

	if found && now.Before(cached.ExpiresAt.Add(r.stale)) {
		r.report(ResultStale)
		r.logger.Warn("serving stale price", slog.String("asset", key), slog.Time("expired_at", cached.ExpiresAt), slog.Any("error", err))
		cached.Stale = true
		return cached, nil
	}
	r.report(ResultMiss)
	return nil, unavailable(asset, err)
}

// USDValue converts amount base units of asset into USD.
func (r *Resolver) USDValue(ctx context.Context, asset Asset, amount *big.Int, decimals int32) (decimal.Decimal, *Info, error) {
	info, err := r.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return ToUSD(amount, decimals, info.USD), info, nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (*Info, bool) {
	info, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("price cache read failed", slog.String("asset", key), slog.Any("error", err))
		return nil, false
	}
	return info, ok
}

func (r *Resolver) fetch(ctx context.Context, asset Asset) (*Info, error) {
	var errs []error
	for _, oracle := range r.oracles {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		info, err := oracle.Price(callCtx, asset)
		cancel()
		if err != nil {
			errs = append(errs, err)
			r.logger.Debug("oracle failed", slog.String("oracle", oracle.Name()), slog.String("asset", asset.Key()), slog.Any("error", err))
			continue
		}
		if !info.USD.IsPositive() {
			errs = append(errs, errors.New(oracle.Name()+" returned a non-positive price"))
			continue
		}
		now := r.now()
		info.FetchedAt = now
		info.ExpiresAt = now.Add(r.ttl)
		info.Stale = false
		if info.Source == "" {
			info.Source = oracle.Name()
		}
		if err := r.cache.Set(ctx, asset.Key(), info, r.ttl+r.stale); err != nil {
			r.logger.Warn("price cache write failed", slog.String("asset", asset.Key()), slog.Any("error", err))
		}
		return info, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("no oracle configured")
	}
	return nil, errors.Join(errs...)
}

func (r *Resolver) report(result string) {
	if r.onResult != nil {
		r.onResult(result)
	}
}
