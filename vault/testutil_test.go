package vault

import (
	"testing"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testPassword = "local-pass"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	service, err := NewService(newTestStore(t), testPassword)
	if err != nil {
		t.Fatalf("unlock test vault: %v", err)
	}
	t.Cleanup(service.Close)

	return service
}
