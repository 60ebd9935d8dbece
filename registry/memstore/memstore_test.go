package memstore

import (
	"testing"

	"github.com/meigma/pkgcache/registry"
	"github.com/meigma/pkgcache/registry/registrytest"
)

func TestStore(t *testing.T) {
	t.Parallel()

	registrytest.Run(t, func(*testing.T) registry.Registry {
		return New()
	})
}
