package store_test

import (
	"testing"

	"sessiongate/internal/store"
	"sessiongate/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStore(t, store.NewMemory())
}

func TestMemoryAuditLog(t *testing.T) {
	storetest.RunAuditLog(t, store.NewMemory())
}
