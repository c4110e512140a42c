package rpc

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/25RMD/platz-bidcore/internal/adapter"
)

// provider is one ranked RPC endpoint together with its shared mutable state:
// the token bucket, the adaptive chunk window and the consecutive-failure
// counter. All state is guarded by mu so concurrent callers never
// read-modify-write unsynchronized.
type provider struct {
	name    string
	client  adapter.EthClient
	limiter *rate.Limiter

	mu           sync.Mutex
	chunkSize    uint64
	chunkSeed    uint64
	chunkMin     uint64
	chunkGrowth  uint64
	consFailures int
}

// chunkWindow returns the current adaptive chunk size for this provider.
func (p *provider) chunkWindow() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunkSize
}

// recordChunkSuccess grows the chunk window additively, capped at the seed.
func (p *provider) recordChunkSuccess() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunkSize += p.chunkGrowth
	if p.chunkSize > p.chunkSeed {
		p.chunkSize = p.chunkSeed
	}
	return p.chunkSize
}

// recordChunkFailure shrinks the chunk window: halved when the provider
// rejected the block range outright, reduced by 20% for any other failure,
// floored at the configured minimum.
func (p *provider) recordChunkFailure(rangeLimited bool) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rangeLimited {
		p.chunkSize /= 2
	} else {
		p.chunkSize = p.chunkSize * 8 / 10
	}
	if p.chunkSize < p.chunkMin {
		p.chunkSize = p.chunkMin
	}
	return p.chunkSize
}

// atChunkFloor reports whether the window cannot shrink further.
func (p *provider) atChunkFloor() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chunkSize <= p.chunkMin
}

func (p *provider) noteSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consFailures = 0
}

// noteFailure increments and returns the consecutive-failure count.
func (p *provider) noteFailure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consFailures++
	return p.consFailures
}

// isBlockRangeError reports whether the provider rejected a getLogs call
// because the requested block span exceeds its per-call limit. This error
// class drives the halving branch of the adaptive chunk policy.
func isBlockRangeError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "block range") ||
		strings.Contains(errStr, "query returned more than") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum") ||
		strings.Contains(errStr, "range too large")
}

// isRevertError reports whether a contract call reverted. Reverts are
// permanent: ownerOf on a non-existent token reverts and must not be retried.
func isRevertError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
