package lru

import "testing"

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1, -100} {
		if _, err := New[string, int](capacity); err == nil {
			t.Errorf("New(%d): expected error", capacity)
		}
	}
}

func TestGetMissing(t *testing.T) {
	c, err := New[string, int](2)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("absent"); ok {
		t.Errorf("expected miss, got %d", v)
	}
}

func TestPutAndGet(t *testing.T) {
	c, _ := New[string, string](2)
	c.Put("a", "1")
	c.Put("b", "2")

	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Errorf("a = %q, %v; want %q, true", v, ok, "1")
	}
	if v, ok := c.Get("b"); !ok || v != "2" {
		t.Errorf("b = %q, %v; want %q, true", v, ok, "2")
	}
}

func TestPutUpdatesExistingKey(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("a", 1)
	c.Put("a", 2)

	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("a = %d, want 2", v)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestEvictionOrder(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts a

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should be resident")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should be resident")
	}
}

func TestGetPromotes(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")    // a is now most recent
	c.Put("c", 3) // evicts b, not a

	if _, ok := c.Get("a"); !ok {
		t.Error("a should be resident after promotion")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
}

func TestPutPromotes(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10) // a is now most recent
	c.Put("c", 3)  // evicts b

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if v, _ := c.Get("a"); v != 10 {
		t.Errorf("a = %d, want 10", v)
	}
}

func TestErase(t *testing.T) {
	c, _ := New[string, int](2)
	c.Put("a", 1)
	c.Erase("a")
	c.Erase("never-existed") // no-op

	if _, ok := c.Get("a"); ok {
		t.Error("a should be gone after erase")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

// The resident set equals the N most recently touched distinct keys,
// for any access sequence.
func TestResidentSetProperty(t *testing.T) {
	c, _ := New[int, int](3)
	touches := []int{1, 2, 3, 1, 4, 2, 5} // most recent distinct: 5, 2, 4

	for _, k := range touches {
		c.Put(k, k)
	}

	for _, want := range []int{5, 2, 4} {
		if _, ok := c.Get(want); !ok {
			t.Errorf("key %d should be resident", want)
		}
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}
