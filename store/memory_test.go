package store

import "testing"

func TestMemoryStoreConformance(t *testing.T) {
	runConformance(t, func() Store { return NewMemoryStore() })
}
