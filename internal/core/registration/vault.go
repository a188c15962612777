package registration

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret digests a credential for storage. The SHA-256 pre-hash keeps
// long security phrases inside bcrypt's 72-byte input limit.
func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	sum := sha256.Sum256([]byte(secret))
	h, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(sum[:])), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func VerifySecret(hash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(hex.EncodeToString(sum[:]))) == nil
}

// Vault holds cleartext credentials between the API request and the worker.
// Entries expire after ttl and are removed when taken.
type Vault struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]vaultEntry
	now     func() time.Time
}

type vaultEntry struct {
	secrets Secrets
	expires time.Time
}

func NewVault(ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Vault{ttl: ttl, entries: map[string]vaultEntry{}, now: time.Now}
}

func (v *Vault) Put(id string, s Secrets) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	for k, e := range v.entries {
		if now.After(e.expires) {
			delete(v.entries, k)
		}
	}
	v.entries[id] = vaultEntry{secrets: s, expires: now.Add(v.ttl)}
}

// Take returns and forgets the credentials for id.
func (v *Vault) Take(id string) (Secrets, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[id]
	if !ok {
		return Secrets{}, false
	}
	delete(v.entries, id)
	if v.now().After(e.expires) {
		return Secrets{}, false
	}
	return e.secrets, true
}

func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
