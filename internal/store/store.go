package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/pkg/model"
)

// ErrUnavailable wraps any store connectivity failure. The gate fails closed on
// it; the reconciler retries on it.
var ErrUnavailable = errors.New("risk store unavailable")

// RiskStore is the single shared mutable resource of the control plane.
// All exposures, PnL, order counters and the kill-switch flag live here, in
// Redis, behind atomic commutative operations, so any number of stateless
// replicas can mutate them concurrently without losing updates.
//
// An optional Postgres pool records an immutable audit trail (fill events and
// PnL marks); audit failures are logged and never block the hot path.
type RiskStore struct {
	redis  *redis.Client
	pg     *pgxpool.Pool
	logger *zap.Logger

	fillTTL time.Duration
	cutover time.Duration // offset of the trading-day boundary from UTC midnight
	now     func() time.Time
}

const (
	keyExposurePrefix = "risk:exposure:"
	keyExposureIndex  = "risk:exposure:index"
	keyFillPrefix     = "risk:fill:"
	keyPnLPrefix      = "risk:pnl:"
	keyPeakPrefix     = "risk:peak:"
	keyKillSwitch     = "risk:killswitch"
	keyOpenOrders     = "risk:orders:open"
	keyRecentOrders   = "risk:orders:recent"

	dailyKeyTTL = 48 * time.Hour
)

// PGPoolConfig mirrors the pgxpool knobs exposed through configuration.
type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Config for New.
type Config struct {
	RedisAddr     string
	RedisDB       int
	RedisPass     string
	DatabaseURL   string // empty disables the audit trail
	PGPool        PGPoolConfig
	FillMarkerTTL time.Duration
	PnLCutover    time.Time // only the HH:MM portion is used
}

// New connects to Redis (required) and Postgres (optional audit trail).
func New(cfg Config, logger *zap.Logger) (*RiskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pg *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if cfg.PGPool.MaxConns > 0 {
			pc.MaxConns = cfg.PGPool.MaxConns
		}
		if cfg.PGPool.MinConns > 0 {
			pc.MinConns = cfg.PGPool.MinConns
		}
		if cfg.PGPool.MaxConnLifetime > 0 {
			pc.MaxConnLifetime = cfg.PGPool.MaxConnLifetime
		}
		if cfg.PGPool.MaxConnIdleTime > 0 {
			pc.MaxConnIdleTime = cfg.PGPool.MaxConnIdleTime
		}
		if cfg.PGPool.HealthCheckPeriod > 0 {
			pc.HealthCheckPeriod = cfg.PGPool.HealthCheckPeriod
		}
		pg, err = pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	ttl := cfg.FillMarkerTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RiskStore{
		redis:   rdb,
		pg:      pg,
		logger:  logger,
		fillTTL: ttl,
		cutover: time.Duration(cfg.PnLCutover.Hour())*time.Hour + time.Duration(cfg.PnLCutover.Minute())*time.Minute,
		now:     time.Now,
	}, nil
}

// TradingDay returns the key of the trading day containing t, shifted by the
// configured cutover.
func (s *RiskStore) TradingDay(t time.Time) string {
	return t.UTC().Add(-s.cutover).Format("2006-01-02")
}

func (s *RiskStore) unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// IncrementExposure atomically adds deltaSize/deltaNotional to the product's
// exposure and returns the new record. Increments are commutative, so
// concurrent callers from distinct replicas always converge on the arithmetic
// sum regardless of interleaving.
func (s *RiskStore) IncrementExposure(ctx context.Context, product string, deltaSize, deltaNotional decimal.Decimal) (model.ExposureRecord, error) {
	key := keyExposurePrefix + product

	pipe := s.redis.TxPipeline()
	posCmd := pipe.HIncrByFloat(ctx, key, "position", deltaSize.InexactFloat64())
	notCmd := pipe.HIncrByFloat(ctx, key, "notional", deltaNotional.InexactFloat64())
	pipe.SAdd(ctx, keyExposureIndex, product)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.ExposureRecord{}, s.unavailable("increment exposure", err)
	}

	return model.ExposureRecord{
		Product:  product,
		Position: decimal.NewFromFloat(posCmd.Val()),
		Notional: decimal.NewFromFloat(notCmd.Val()),
	}, nil
}

// GetExposure returns the current exposure record for one product.
func (s *RiskStore) GetExposure(ctx context.Context, product string) (model.ExposureRecord, error) {
	vals, err := s.redis.HGetAll(ctx, keyExposurePrefix+product).Result()
	if err != nil {
		return model.ExposureRecord{}, s.unavailable("get exposure", err)
	}
	return exposureFromHash(product, vals), nil
}

// GetExposures returns every product with recorded exposure.
func (s *RiskStore) GetExposures(ctx context.Context) ([]model.ExposureRecord, error) {
	products, err := s.redis.SMembers(ctx, keyExposureIndex).Result()
	if err != nil {
		return nil, s.unavailable("list exposures", err)
	}
	out := make([]model.ExposureRecord, 0, len(products))
	for _, p := range products {
		rec, err := s.GetExposure(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func exposureFromHash(product string, vals map[string]string) model.ExposureRecord {
	rec := model.ExposureRecord{Product: product, Position: decimal.Zero, Notional: decimal.Zero}
	if v, ok := vals["position"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			rec.Position = d
		}
	}
	if v, ok := vals["notional"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			rec.Notional = d
		}
	}
	return rec
}

// ApplyFillOnce guarantees at-most-once application of a fill's balance effect
// under at-least-once delivery. The fill id is claimed with SETNX and a marker
// TTL that must cover the broker's maximum redelivery window. A duplicate
// returns (false, nil) without re-executing the effect. If the effect fails the
// marker is released so a redelivery can retry.
func (s *RiskStore) ApplyFillOnce(ctx context.Context, fillID string, effect func(context.Context) error) (bool, error) {
	key := keyFillPrefix + fillID

	claimed, err := s.redis.SetNX(ctx, key, s.now().UTC().Format(time.RFC3339Nano), s.fillTTL).Result()
	if err != nil {
		return false, s.unavailable("claim fill marker", err)
	}
	if !claimed {
		return false, nil
	}

	if err := effect(ctx); err != nil {
		if delErr := s.redis.Del(ctx, key).Err(); delErr != nil {
			// Marker stuck until TTL; the fill will be dropped on redelivery.
			// This is the one place a marker can outlive a failed effect, so
			// make it loud.
			s.logger.Error("store.fill_marker_release_failed",
				zap.String("fill_id", fillID),
				zap.Error(delErr))
		}
		return false, err
	}
	return true, nil
}

// AddRealizedPnL atomically adds delta to today's realized PnL and returns the
// updated daily record.
func (s *RiskStore) AddRealizedPnL(ctx context.Context, delta decimal.Decimal) (model.DailyPnL, error) {
	day := s.TradingDay(s.now())
	key := keyPnLPrefix + day

	pipe := s.redis.TxPipeline()
	pipe.HIncrByFloat(ctx, key, "realized", delta.InexactFloat64())
	pipe.Expire(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.DailyPnL{}, s.unavailable("add realized pnl", err)
	}
	return s.GetDailyPnL(ctx)
}

// SetUnrealizedPnL stores the current unrealized PnL for one product.
// Unrealized marks are absolute values, so last-writer-wins per product is the
// correct merge under concurrency.
func (s *RiskStore) SetUnrealizedPnL(ctx context.Context, product string, value decimal.Decimal) error {
	day := s.TradingDay(s.now())
	key := keyPnLPrefix + day + ":unrealized"

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, product, value.String())
	pipe.Expire(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.unavailable("set unrealized pnl", err)
	}
	return nil
}

// GetDailyPnL returns the PnL record for the current trading day.
func (s *RiskStore) GetDailyPnL(ctx context.Context) (model.DailyPnL, error) {
	day := s.TradingDay(s.now())

	realizedStr, err := s.redis.HGet(ctx, keyPnLPrefix+day, "realized").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.DailyPnL{}, s.unavailable("get realized pnl", err)
	}
	realized := decimal.Zero
	if realizedStr != "" {
		if d, perr := decimal.NewFromString(realizedStr); perr == nil {
			realized = d
		}
	}

	marks, err := s.redis.HGetAll(ctx, keyPnLPrefix+day+":unrealized").Result()
	if err != nil {
		return model.DailyPnL{}, s.unavailable("get unrealized pnl", err)
	}
	unrealized := decimal.Zero
	for _, v := range marks {
		if d, perr := decimal.NewFromString(v); perr == nil {
			unrealized = unrealized.Add(d)
		}
	}

	return model.DailyPnL{
		Day:        day,
		Realized:   realized,
		Unrealized: unrealized,
		Cumulative: realized.Add(unrealized),
	}, nil
}

// UpdatePeakEquity raises the day's peak equity to equity if it is a new high
// (ZADD GT keeps the max atomically) and returns the current peak.
func (s *RiskStore) UpdatePeakEquity(ctx context.Context, equity float64) (float64, error) {
	day := s.TradingDay(s.now())
	key := keyPeakPrefix + day

	pipe := s.redis.TxPipeline()
	pipe.ZAddArgs(ctx, key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: equity, Member: "equity"}},
	})
	peakCmd := pipe.ZScore(ctx, key, "equity")
	pipe.Expire(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.unavailable("update peak equity", err)
	}
	return peakCmd.Val(), nil
}

// SetKillSwitch writes the halt flag. All replicas observe the change on their
// next read; staleness is bounded by a single store round-trip because the
// gate reads the flag on every decision.
func (s *RiskStore) SetKillSwitch(ctx context.Context, engaged bool, reason string) error {
	fields := map[string]any{
		"engaged": "0",
		"reason":  "",
	}
	if engaged {
		fields["engaged"] = "1"
		fields["reason"] = reason
		fields["engaged_at"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	if err := s.redis.HSet(ctx, keyKillSwitch, fields).Err(); err != nil {
		return s.unavailable("set kill switch", err)
	}
	return nil
}

// GetKillSwitch reads the current halt flag.
func (s *RiskStore) GetKillSwitch(ctx context.Context) (model.KillSwitchState, error) {
	vals, err := s.redis.HGetAll(ctx, keyKillSwitch).Result()
	if err != nil {
		return model.KillSwitchState{}, s.unavailable("get kill switch", err)
	}
	st := model.KillSwitchState{
		Engaged: vals["engaged"] == "1",
		Reason:  vals["reason"],
	}
	if st.Engaged {
		if at, perr := time.Parse(time.RFC3339Nano, vals["engaged_at"]); perr == nil {
			st.EngagedAt = at
		}
	} else {
		st.Reason = ""
	}
	return st, nil
}

// RegisterOpenOrder adds the order to the replica-global open order set and
// records the submission in the trailing-minute rate window.
func (s *RiskStore) RegisterOpenOrder(ctx context.Context, orderID string) error {
	now := s.now()
	cutoff := now.Add(-time.Minute)

	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, keyOpenOrders, orderID)
	pipe.ZAdd(ctx, keyRecentOrders, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: orderID,
	})
	pipe.ZRemRangeByScore(ctx, keyRecentOrders, "-inf", fmt.Sprintf("%d", cutoff.UnixMilli()))
	pipe.Expire(ctx, keyRecentOrders, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.unavailable("register open order", err)
	}
	return nil
}

// ReleaseOpenOrder frees the order's slot when a fill or cancel terminates it.
// Keyed by order id so partial fills release a slot at most once, and releasing
// an unknown or already released order is a no-op rather than an underflow.
func (s *RiskStore) ReleaseOpenOrder(ctx context.Context, orderID string) error {
	if err := s.redis.SRem(ctx, keyOpenOrders, orderID).Err(); err != nil {
		return s.unavailable("release open order", err)
	}
	return nil
}

// CountOpenOrders returns the replica-global open order count.
func (s *RiskStore) CountOpenOrders(ctx context.Context) (int64, error) {
	n, err := s.redis.SCard(ctx, keyOpenOrders).Result()
	if err != nil {
		return 0, s.unavailable("count open orders", err)
	}
	return n, nil
}

// CountRecentOrders returns the number of submissions across all replicas in
// the trailing minute.
func (s *RiskStore) CountRecentOrders(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Minute)
	n, err := s.redis.ZCount(ctx, keyRecentOrders, fmt.Sprintf("%d", cutoff.UnixMilli()), "+inf").Result()
	if err != nil {
		return 0, s.unavailable("count recent orders", err)
	}
	return n, nil
}

// AuditFill records an immutable fill event in Postgres. Best effort: errors
// are logged, never returned, so audit outages cannot stall reconciliation.
func (s *RiskStore) AuditFill(ctx context.Context, f model.Fill) {
	if s.pg == nil {
		return
	}
	_, err := s.pg.Exec(ctx, `
		INSERT INTO risk.fill_event (fill_id, product, side, size, price, filled_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (fill_id) DO NOTHING
	`, f.FillID, f.Product, string(f.Side), f.Size, f.Price, f.Timestamp)
	if err != nil {
		s.logger.Error("store.pg.audit_fill_failed",
			zap.String("fill_id", f.FillID),
			zap.Error(err))
	}
}

// AuditDailyPnL archives a PnL mark in Postgres. Best effort, same as AuditFill.
func (s *RiskStore) AuditDailyPnL(ctx context.Context, pnl model.DailyPnL) {
	if s.pg == nil {
		return
	}
	_, err := s.pg.Exec(ctx, `
		INSERT INTO risk.daily_pnl (trade_date, realized, unrealized, cumulative, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, pnl.Day, pnl.Realized, pnl.Unrealized, pnl.Cumulative)
	if err != nil {
		s.logger.Error("store.pg.audit_pnl_failed",
			zap.String("day", pnl.Day),
			zap.Error(err))
	}
}

// HealthCheck pings Redis and, when configured, Postgres.
func (s *RiskStore) HealthCheck(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.pg != nil {
		if err := s.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *RiskStore) Close() error {
	if s.pg != nil {
		s.pg.Close()
	}
	return s.redis.Close()
}
