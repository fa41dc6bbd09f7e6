package thunderpush

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryRegisterResolve(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), nil)

	h, err := r.Register("key", "secretkey")
	require.NoError(t, err)
	assert.Equal(t, "key", h.PublicKey())
	assert.Equal(t, "secretkey", h.Credential().SecretKey)

	got, err := r.Resolve("key")
	require.NoError(t, err)
	assert.Same(t, h, got)

	_, err = r.Resolve("nope")
	assert.True(t, errors.Is(err, ErrUnknownTenant))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry(nil, nil)
	first, err := r.Register("key", "secretkey")
	require.NoError(t, err)

	_, err = r.Register("key", "othersecret")
	assert.ErrorIs(t, err, ErrDuplicateTenant)

	// the original tenant is untouched
	got, err := r.Resolve("key")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, "secretkey", got.Credential().SecretKey)
}

func TestRegistryEmptyKey(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Register("", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, 0, r.Len())
}

// resolving never looks at the secret half of the credential
func TestRegistryResolveIgnoresSecret(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Register("key", "")
	require.NoError(t, err)

	_, err = r.Resolve("key")
	assert.NoError(t, err)
}

func TestRegistryProvision(t *testing.T) {
	creds := []Credential{
		{PublicKey: "a", SecretKey: "1"},
		{PublicKey: "b", SecretKey: "2"},
		{PublicKey: "a", SecretKey: "3"},
		{PublicKey: "c", SecretKey: "4"},
	}

	t.Run("strict", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t), nil)
		err := r.Provision(creds, true)
		assert.ErrorIs(t, err, ErrDuplicateTenant)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("tolerant", func(t *testing.T) {
		r := NewRegistry(zaptest.NewLogger(t), nil)
		require.NoError(t, r.Provision(creds, false))
		assert.Equal(t, 3, r.Len())

		var keys []string
		for _, h := range r.Tenants() {
			keys = append(keys, h.PublicKey())
		}
		assert.Equal(t, []string{"a", "b", "c"}, keys)
	})
}

// multiple registries are independent of each other
func TestRegistriesIsolated(t *testing.T) {
	r1, r2 := NewRegistry(nil, nil), NewRegistry(nil, nil)
	_, err := r1.Register("key", "s")
	require.NoError(t, err)

	_, err = r2.Resolve("key")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRegistryConcurrentResolve(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Register("key", "s")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Resolve("key"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
