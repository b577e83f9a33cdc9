package tiered_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ChatGate/internal/adapter/tiered"
)

type mapCache map[string][]byte

func (m mapCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m[key] = value
	return nil
}

func (m mapCache) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func newTiered() (c *tiered.Cache, l1, l2 mapCache) {
	l1, l2 = mapCache{}, mapCache{}
	return tiered.New(l1, l2, 5*time.Minute), l1, l2
}

func TestGetPrefersL1(t *testing.T) {
	c, l1, l2 := newTiered()
	l1["user:1"] = []byte("fresh")
	l2["user:1"] = []byte("stale")

	val, found, err := c.Get(context.Background(), "user:1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(val) != "fresh" {
		t.Fatalf("val = %q, want the L1 copy", val)
	}
}

func TestGetPromotesL2Hit(t *testing.T) {
	c, l1, l2 := newTiered()
	l2["user:2"] = []byte("remote")

	val, found, err := c.Get(context.Background(), "user:2")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(val) != "remote" {
		t.Fatalf("val = %q, want %q", val, "remote")
	}
	if string(l1["user:2"]) != "remote" {
		t.Fatal("L2 hit was not promoted into L1")
	}
}

func TestGetMissesBothLevels(t *testing.T) {
	c, _, _ := newTiered()

	_, found, err := c.Get(context.Background(), "user:absent")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("found a key neither level holds")
	}
}

func TestSetWritesBothLevels(t *testing.T) {
	c, l1, l2 := newTiered()

	if err := c.Set(context.Background(), "user:3", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1["user:3"]; !ok {
		t.Fatal("L1 missing the key")
	}
	if _, ok := l2["user:3"]; !ok {
		t.Fatal("L2 missing the key")
	}
}

func TestDeleteClearsBothLevels(t *testing.T) {
	c, l1, l2 := newTiered()
	l1["user:4"] = []byte("v")
	l2["user:4"] = []byte("v")

	if err := c.Delete(context.Background(), "user:4"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1["user:4"]; ok {
		t.Fatal("key survived in L1")
	}
	if _, ok := l2["user:4"]; ok {
		t.Fatal("key survived in L2")
	}
}
