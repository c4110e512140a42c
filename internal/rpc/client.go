package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/25RMD/platz-bidcore/internal/adapter"
	"github.com/25RMD/platz-bidcore/internal/config"
	"github.com/25RMD/platz-bidcore/internal/domain"
	"github.com/25RMD/platz-bidcore/internal/logger"
)

// Client wraps every ledger read in rate limiting, bounded retries with
// exponential backoff, per-attempt timeouts and provider rotation. It owns
// all per-provider state; no package-level singletons, so tests can
// instantiate isolated instances.
type Client struct {
	cfg config.RPCConfig

	mu        sync.Mutex
	providers []*provider // ranked by descending priority
	active    int
}

// NewClient dials every configured provider and returns a resilient client.
// Providers are ranked by descending priority; the highest-priority endpoint
// serves calls until sustained failure rotates it out.
func NewClient(ctx context.Context, cfg config.RPCConfig, dialer adapter.EthClientDialer) (*Client, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}

	ranked := make([]config.ProviderConfig, len(cfg.Providers))
	copy(ranked, cfg.Providers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})

	providers := make([]*provider, 0, len(ranked))
	for _, pc := range ranked {
		ec, err := dialer.Dial(ctx, pc.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial provider %s: %w", pc.Name, err)
		}

		rps := pc.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := pc.Burst
		if burst <= 0 {
			burst = rps
		}

		providers = append(providers, &provider{
			name:        pc.Name,
			client:      ec,
			limiter:     rate.NewLimiter(rate.Limit(rps), burst),
			chunkSize:   cfg.ChunkSeed,
			chunkSeed:   cfg.ChunkSeed,
			chunkMin:    cfg.ChunkMin,
			chunkGrowth: cfg.ChunkGrowth,
		})
	}

	logger.Info("RPC client initialized",
		zap.Int("providers", len(providers)),
		zap.Uint64("chunk_seed", cfg.ChunkSeed),
		zap.Int("max_attempts", cfg.MaxAttempts),
	)

	return &Client{cfg: cfg, providers: providers}, nil
}

// Close closes every provider connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.providers {
		p.client.Close()
	}
}

// activeProvider returns the provider currently serving calls.
func (c *Client) activeProvider() *provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers[c.active]
}

// rotateFrom advances to the next ranked provider if p is still active.
// Round-robin: the last provider wraps back to the first.
func (c *Client) rotateFrom(p *provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.providers[c.active] != p || len(c.providers) < 2 {
		return
	}
	c.active = (c.active + 1) % len(c.providers)
	logger.Warn("Rotating RPC provider after sustained failures",
		zap.String("from", p.name),
		zap.String("to", c.providers[c.active].name),
	)
}

// newBackOff builds the retry policy shared by every ledger read.
func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5 // jitter to spread out concurrent retries
	b.MaxElapsedTime = 0

	attempts := c.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1)) //nolint:gosec,G115
}

// Call executes op against the active provider with rate limiting, bounded
// retries and provider rotation. Raw transport errors are never surfaced:
// after retries are exhausted the caller receives a typed *domain.RPCError.
// Contract reverts are permanent and returned as-is for the caller to map.
func Call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context, ec adapter.EthClient) (T, error)) (T, error) {
	var result T
	var lastProvider string

	operation := func() error {
		p := c.activeProvider()
		lastProvider = p.name

		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		v, err := fn(callCtx, p.client)
		cancel()

		if err != nil {
			if isRevertError(err) {
				p.noteSuccess() // the provider answered; the contract refused
				return backoff.Permanent(err)
			}

			failures := p.noteFailure()
			if c.cfg.RotateAfter > 0 && failures >= c.cfg.RotateAfter {
				c.rotateFrom(p)
			}

			logger.Debug("RPC attempt failed",
				zap.String("op", op),
				zap.String("provider", p.name),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			return err
		}

		p.noteSuccess()
		result = v
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		var zero T
		if isRevertError(err) || errors.Is(err, context.Canceled) {
			return zero, err
		}
		return zero, &domain.RPCError{Op: op, Provider: lastProvider, Err: err}
	}

	return result, nil
}
