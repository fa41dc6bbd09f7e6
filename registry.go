package thunderpush

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mroth/thunderpush/internal/metrics"
)

// Credential identifies a tenant. Only PublicKey is checked when clients
// connect; SecretKey is kept for the backend API.
type Credential struct {
	PublicKey string `yaml:"public_key" mapstructure:"public_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
}

// Registry maps tenant public keys to their Hub. Writes only happen while
// provisioning, so lookups take a read lock.
type Registry struct {
	mu   sync.RWMutex
	hubs map[string]*Hub

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry. A nil logger discards output and a
// nil m records no metrics.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		hubs:    make(map[string]*Hub),
		logger:  logger,
		metrics: m,
	}
}

// Register creates the Hub for a new tenant.
func (r *Registry) Register(publicKey, secretKey string) (*Hub, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("register tenant: %w: empty public key", ErrInvalidCredential)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hubs[publicKey]; exists {
		return nil, fmt.Errorf("register tenant %q: %w", publicKey, ErrDuplicateTenant)
	}
	h := newHub(Credential{PublicKey: publicKey, SecretKey: secretKey}, r.logger, r.metrics)
	r.hubs[publicKey] = h
	r.metrics.SetTenants(len(r.hubs))
	r.logger.Info("tenant registered", zap.String("tenant", publicKey))
	return h, nil
}

// Resolve returns the Hub registered under publicKey. No secret is checked.
func (r *Registry) Resolve(publicKey string) (*Hub, error) {
	r.mu.RLock()
	h, ok := r.hubs[publicKey]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve tenant %q: %w", publicKey, ErrUnknownTenant)
	}
	return h, nil
}

// Provision registers every credential in creds. With strict set, the first
// failure aborts provisioning and is returned; otherwise failures are logged
// and skipped.
func (r *Registry) Provision(creds []Credential, strict bool) error {
	for _, c := range creds {
		if _, err := r.Register(c.PublicKey, c.SecretKey); err != nil {
			if strict {
				return err
			}
			r.logger.Warn("skipping tenant", zap.Error(err))
		}
	}
	return nil
}

// Tenants returns a snapshot of all hubs, ordered by public key.
func (r *Registry) Tenants() []*Hub {
	r.mu.RLock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.RUnlock()

	sort.Slice(hubs, func(i, j int) bool {
		return hubs[i].PublicKey() < hubs[j].PublicKey()
	})
	return hubs
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hubs)
}
