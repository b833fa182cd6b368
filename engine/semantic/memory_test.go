package semantic

import "testing"

func TestPointIDIsDeterministicAndTenantScoped(t *testing.T) {
	a := pointID("tenant-1", "content-1")
	b := pointID("tenant-1", "content-1")
	if a != b {
		t.Fatal("pointID must be deterministic for the same inputs")
	}
	c := pointID("tenant-2", "content-1")
	if a == c {
		t.Fatal("pointID must differ across tenants for the same content id")
	}
}

func TestPointIDDistinguishesEntitySuffix(t *testing.T) {
	content := pointID("tenant-1", "content-1")
	entity := pointID("tenant-1", "content-1", "Chef's Knife")
	if content == entity {
		t.Fatal("content and entity point IDs must not collide")
	}
}
