package bundler

import (
	"context"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/logger"
)

// NonceManager manages nonce tracking for UserOperations to prevent conflicts
// with pending operations in the bundler's mempool.
// It maintains an in-memory cache of the next expected nonce per sender,
// combining on-chain state with knowledge of submitted-but-not-yet-mined UserOps.
type NonceManager struct {
	source aa.NonceSource
	logger sdklogging.Logger

	// pendingNonces tracks the next nonce to use for each sender
	pendingNonces map[common.Address]*big.Int
	mu            sync.RWMutex
}

func NewNonceManager(source aa.NonceSource, log sdklogging.Logger) *NonceManager {
	return &NonceManager{
		source:        source,
		logger:        logger.Component(log, "nonce_manager"),
		pendingNonces: make(map[common.Address]*big.Int),
	}
}

// GetNextNonce returns the next nonce to use for a sender.
// It returns max(on-chain nonce, cached pending nonce).
// This ensures we never reuse a nonce that's already pending in the bundler.
func (nm *NonceManager) GetNextNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	// The chain is read outside the lock; callers serialize per sender.
	onChainNonce, err := nm.source.GetNonce(ctx, sender)
	if err != nil {
		return nil, err
	}

	nm.mu.RLock()
	cachedNonce, hasCached := nm.pendingNonces[sender]
	nm.mu.RUnlock()

	switch {
	case !hasCached:
		nm.logger.Debug("First UserOp for sender, using on-chain nonce",
			"sender", sender.Hex(), "nonce", onChainNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	case onChainNonce.Cmp(cachedNonce) > 0:
		// Pending UserOps were mined, or the bundler dropped ours.
		nm.logger.Debug("On-chain nonce ahead of cache, using on-chain",
			"sender", sender.Hex(), "onChain", onChainNonce.String(), "cached", cachedNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	default:
		nm.logger.Debug("Using cached nonce",
			"sender", sender.Hex(), "cached", cachedNonce.String(), "onChain", onChainNonce.String())
		return new(big.Int).Set(cachedNonce), nil
	}
}

// IncrementNonce records that currentNonce was handed to the bundler, so the
// next GetNextNonce for sender yields at least currentNonce+1.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nextNonce := new(big.Int).Add(currentNonce, common.Big1)

	nm.mu.Lock()
	if cached, ok := nm.pendingNonces[sender]; !ok || nextNonce.Cmp(cached) > 0 {
		nm.pendingNonces[sender] = nextNonce
	}
	nm.mu.Unlock()

	nm.logger.Debug("Incremented nonce", "sender", sender.Hex(), "from", currentNonce.String(), "to", nextNonce.String())
}

// ResetNonce clears the cached nonce for a sender, forcing the next GetNextNonce
// to fetch fresh state from the chain. Use this when nonce conflicts occur.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	delete(nm.pendingNonces, sender)
	nm.mu.Unlock()

	nm.logger.Info("Reset cached nonce, will fetch fresh from chain", "sender", sender.Hex())
}

// GetCachedNonce returns the cached nonce for a sender without fetching from chain.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	nonce, exists := nm.pendingNonces[sender]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}
