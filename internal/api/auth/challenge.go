package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ChallengeManager issues and tracks one-time login challenges. A wallet
// proves ownership by signing the challenge within its validity window.
type ChallengeManager struct {
	mu         sync.Mutex
	challenges map[string]challengeEntry
	validity   time.Duration
}

type challengeEntry struct {
	challenge string
	issuedAt  time.Time
}

// NewChallengeManager creates a challenge manager with the given validity
func NewChallengeManager(validity time.Duration) *ChallengeManager {
	return &ChallengeManager{
		challenges: make(map[string]challengeEntry),
		validity:   validity,
	}
}

// Issue creates a fresh challenge for a wallet address, replacing any
// outstanding one
func (cm *ChallengeManager) Issue(walletAddress string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	challenge := fmt.Sprintf("decloud-login:%s:%s", walletAddress, hex.EncodeToString(raw))

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.prune()
	cm.challenges[walletAddress] = challengeEntry{challenge: challenge, issuedAt: time.Now()}
	return challenge, nil
}

// Consume returns the outstanding challenge for a wallet and removes it.
// Empty when none exists or it expired.
func (cm *ChallengeManager) Consume(walletAddress string) string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entry, ok := cm.challenges[walletAddress]
	if !ok {
		return ""
	}
	delete(cm.challenges, walletAddress)
	if time.Since(entry.issuedAt) > cm.validity {
		return ""
	}
	return entry.challenge
}

// prune drops expired challenges, called with the lock held
func (cm *ChallengeManager) prune() {
	cutoff := time.Now().Add(-cm.validity)
	for addr, entry := range cm.challenges {
		if entry.issuedAt.Before(cutoff) {
			delete(cm.challenges, addr)
		}
	}
}
