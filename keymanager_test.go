package ruserf

import (
	"encoding/base64"
	"testing"

	"github.com/ruserf/ruserf/testutil"
)

func testKeyringSerf(t *testing.T) (*Serf, func()) {
	ip1, returnFn1 := testutil.TakeIP()

	config := testConfig(t, ip1)
	config.MemberlistConfig.SecretKey = []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	}

	s, err := Create(config)
	if err != nil {
		returnFn1()
		t.Fatalf("err: %v", err)
	}

	return s, func() {
		s.Shutdown()
		returnFn1()
	}
}

func TestSerf_EncryptionEnabled(t *testing.T) {
	s, cleanup := testKeyringSerf(t)
	defer cleanup()

	if !s.EncryptionEnabled() {
		t.Fatalf("encryption should be enabled")
	}
}

func TestKeyManager_InstallListUseRemove(t *testing.T) {
	s, cleanup := testKeyringSerf(t)
	defer cleanup()

	manager := s.KeyManager()

	newKey := base64.StdEncoding.EncodeToString([]byte{
		16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1,
	})

	// Install a second key onto the ring
	resp, err := manager.InstallKey(newKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if resp.NumErr != 0 {
		t.Fatalf("errors: %v", resp.Messages)
	}

	// Both keys should now be visible
	resp, err = manager.ListKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(resp.Keys) != 2 {
		t.Fatalf("expected 2 keys: %v", resp.Keys)
	}

	// Only one primary key
	if len(resp.PrimaryKeys) != 1 {
		t.Fatalf("expected 1 primary key: %v", resp.PrimaryKeys)
	}

	// Change the primary key
	if _, err := manager.UseKey(newKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	resp, err = manager.ListKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, ok := resp.PrimaryKeys[newKey]; !ok {
		t.Fatalf("expected primary key %s: %v", newKey, resp.PrimaryKeys)
	}

	// Remove the old key
	oldKey := base64.StdEncoding.EncodeToString([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	})
	if _, err := manager.RemoveKey(oldKey); err != nil {
		t.Fatalf("err: %v", err)
	}

	resp, err = manager.ListKeys()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(resp.Keys) != 1 {
		t.Fatalf("expected 1 key: %v", resp.Keys)
	}
}

func TestKeyManager_RemovePrimaryFails(t *testing.T) {
	s, cleanup := testKeyringSerf(t)
	defer cleanup()

	manager := s.KeyManager()

	primary := base64.StdEncoding.EncodeToString([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	})

	// Removing the in-use primary key must fail
	if _, err := manager.RemoveKey(primary); err == nil {
		t.Fatalf("expected error removing primary key")
	}
}
