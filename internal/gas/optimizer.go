// Package gas recommends a gas price and batch size for pending anchors.
//
// Recommendations are advisory. A failed network query never surfaces as an
// error: the optimizer falls back to the last known price, then to the
// configured reference price, and says so in the Recommendation.
package gas

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Congestion is a coarse classification of network gas conditions.
type Congestion string

const (
	CongestionLow    Congestion = "low"
	CongestionMedium Congestion = "medium"
	CongestionHigh   Congestion = "high"
)

// PriceSource reports the network's current gas price in wei.
// ledger.Client satisfies it.
type PriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Recommendation is the optimizer's advice for one submission round.
type Recommendation struct {
	// GasPrice in wei, clamped to [MinPrice, MaxPrice].
	GasPrice   *big.Int   `json:"gas_price_wei"`
	BatchSize  int        `json:"batch_size"`
	Congestion Congestion `json:"congestion"`
	// NetworkPrice is the unclamped price the decision was based on.
	NetworkPrice *big.Int `json:"network_price_wei"`
	// Degraded is set when the network could not be queried.
	Degraded bool `json:"degraded"`
}

// Config holds optimizer policy.
type Config struct {
	MinPrice       *big.Int
	MaxPrice       *big.Int
	ReferencePrice *big.Int

	// MediumAtPercent and HighAtPercent are congestion thresholds as a
	// percentage of ReferencePrice.
	MediumAtPercent int64
	HighAtPercent   int64

	QueryTimeout time.Duration

	MaxBatchSize   int
	GasLimitBudget uint64
	PerItemGas     uint64
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}

// DefaultConfig returns conservative defaults for a public EVM network.
func DefaultConfig() Config {
	return Config{
		MinPrice:        gwei(1),
		MaxPrice:        gwei(200),
		ReferencePrice:  gwei(30),
		MediumAtPercent: 120,
		HighAtPercent:   200,
		QueryTimeout:    5 * time.Second,
		MaxBatchSize:    50,
		GasLimitBudget:  8_000_000,
		PerItemGas:      80_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinPrice == nil {
		c.MinPrice = d.MinPrice
	}
	if c.MaxPrice == nil {
		c.MaxPrice = d.MaxPrice
	}
	if c.MaxPrice.Cmp(c.MinPrice) < 0 {
		c.MaxPrice = new(big.Int).Set(c.MinPrice)
	}
	if c.ReferencePrice == nil || c.ReferencePrice.Sign() <= 0 {
		c.ReferencePrice = d.ReferencePrice
	}
	if c.MediumAtPercent <= 0 {
		c.MediumAtPercent = d.MediumAtPercent
	}
	if c.HighAtPercent <= c.MediumAtPercent {
		c.HighAtPercent = c.MediumAtPercent + (d.HighAtPercent - d.MediumAtPercent)
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.PerItemGas == 0 {
		c.PerItemGas = d.PerItemGas
	}
	if c.GasLimitBudget == 0 {
		c.GasLimitBudget = d.GasLimitBudget
	}
	return c
}

// Optimizer produces gas recommendations. Safe for concurrent use.
type Optimizer struct {
	src    PriceSource
	cache  PriceCache
	cfg    Config
	group  singleflight.Group
	logger *zap.Logger

	mu        sync.RWMutex
	lastKnown *big.Int
}

// NewOptimizer creates an Optimizer. A nil cache disables caching.
func NewOptimizer(src PriceSource, cache PriceCache, cfg Config, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		src:    src,
		cache:  cache,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Config returns the effective policy.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Recommend returns the gas price and batch size for pending queued records.
func (o *Optimizer) Recommend(ctx context.Context, pending int) Recommendation {
	network, degraded := o.networkPrice(ctx)
	return Recommendation{
		GasPrice:     o.clamp(network),
		BatchSize:    o.batchSize(pending),
		Congestion:   o.classify(network),
		NetworkPrice: new(big.Int).Set(network),
		Degraded:     degraded,
	}
}

// networkPrice returns the cached or freshly queried network price. On
// failure it returns the fallback price and degraded=true.
func (o *Optimizer) networkPrice(ctx context.Context) (*big.Int, bool) {
	if o.cache != nil {
		if p, ok := o.cache.Get(ctx); ok {
			return p, false
		}
	}

	v, err, _ := o.group.Do("price", func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
		defer cancel()
		p, err := o.src.SuggestGasPrice(qctx)
		if err != nil {
			return nil, err
		}
		if o.cache != nil {
			o.cache.Set(ctx, p)
		}
		o.mu.Lock()
		o.lastKnown = new(big.Int).Set(p)
		o.mu.Unlock()
		return p, nil
	})
	if err == nil {
		return new(big.Int).Set(v.(*big.Int)), false
	}

	fallback := o.fallback()
	o.logger.Warn("gas price query failed, using fallback",
		zap.Error(err),
		zap.String("gas_price_wei", fallback.String()),
	)
	return fallback, true
}

func (o *Optimizer) fallback() *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastKnown != nil {
		return new(big.Int).Set(o.lastKnown)
	}
	return new(big.Int).Set(o.cfg.ReferencePrice)
}

func (o *Optimizer) clamp(p *big.Int) *big.Int {
	switch {
	case p.Cmp(o.cfg.MinPrice) < 0:
		return new(big.Int).Set(o.cfg.MinPrice)
	case p.Cmp(o.cfg.MaxPrice) > 0:
		return new(big.Int).Set(o.cfg.MaxPrice)
	}
	return new(big.Int).Set(p)
}

// classify compares p*100 against reference*threshold to stay in integers.
func (o *Optimizer) classify(p *big.Int) Congestion {
	scaled := new(big.Int).Mul(p, big.NewInt(100))
	medium := new(big.Int).Mul(o.cfg.ReferencePrice, big.NewInt(o.cfg.MediumAtPercent))
	high := new(big.Int).Mul(o.cfg.ReferencePrice, big.NewInt(o.cfg.HighAtPercent))
	switch {
	case scaled.Cmp(high) >= 0:
		return CongestionHigh
	case scaled.Cmp(medium) >= 0:
		return CongestionMedium
	}
	return CongestionLow
}

// batchSize is min(MaxBatchSize, pending, GasLimitBudget/PerItemGas), never
// below one while anything is pending.
func (o *Optimizer) batchSize(pending int) int {
	if pending <= 0 {
		return 0
	}
	n := o.cfg.MaxBatchSize
	if pending < n {
		n = pending
	}
	if byGas := o.cfg.GasLimitBudget / o.cfg.PerItemGas; byGas < uint64(n) {
		n = int(byGas)
	}
	if n < 1 {
		n = 1
	}
	return n
}
