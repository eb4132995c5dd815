package clock

import "testing"

func TestTickMonotonic(t *testing.T) {
	c := New(0, nil)
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		v := c.Tick()
		if v <= prev {
			t.Fatalf("tick not monotonic: %d <= %d", v, prev)
		}
		prev = v
	}
}

func TestWitnessAdvancesPastRemote(t *testing.T) {
	c := New(5, nil)
	v := c.Witness(100)
	if v <= 100 {
		t.Fatalf("witness(100) should exceed 100, got %d", v)
	}

	v2 := c.Witness(3) // remote behind local, local still advances
	if v2 <= v {
		t.Fatalf("witness should still advance when remote < local: %d <= %d", v2, v)
	}
}

func TestPersistCalledOnEveryAdvance(t *testing.T) {
	var saved uint64
	c := New(0, func(v uint64) { saved = v })
	c.Tick()
	c.Witness(50)
	if saved != c.Current() {
		t.Fatalf("persist callback out of sync: saved=%d current=%d", saved, c.Current())
	}
}
