package core

import "testing"

func TestIdOfRejectsWrongLength(t *testing.T) {
	if _, err := IdOf(make([]byte, 31)); err == nil {
		t.Fatal("expected IdFormatError for short input")
	}
	if _, err := IdOf(make([]byte, 33)); err == nil {
		t.Fatal("expected IdFormatError for long input")
	}
	if _, err := IdOf(make([]byte, IdLength)); err != nil {
		t.Fatalf("unexpected error for exact length: %v", err)
	}
}

func TestThreeWayCompareOrdersByProximity(t *testing.T) {
	target := Id{}
	near := Id{}
	near[31] = 0x01
	far := Id{}
	far[0] = 0x80

	if c := ThreeWayCompare(target, near, far); c >= 0 {
		t.Fatalf("expected near < far, got %d", c)
	}
	if c := ThreeWayCompare(target, far, near); c <= 0 {
		t.Fatalf("expected far > near, got %d", c)
	}
}

func TestThreeWayCompareDistinguishesLowOrderBits(t *testing.T) {
	target := Id{}
	a := Id{}
	a[0] = 0x01
	b := Id{}
	b[0] = 0x01
	b[31] = 0x01

	if c := ThreeWayCompare(target, a, b); c >= 0 {
		t.Fatalf("expected a < b when distances differ only in the last bit, got %d", c)
	}
}

func TestPrefixIsPrefixOf(t *testing.T) {
	id, _ := IdOf(make([]byte, IdLength))
	id[0] = 0b1000_0000

	p, err := NewPrefix(id, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.IsPrefixOf(id) {
		t.Fatal("prefix must contain its own sample id")
	}

	other := id
	other[0] = 0b0000_0000
	if p.IsPrefixOf(other) {
		t.Fatal("prefix must not contain an id differing in bit 0")
	}
}

func TestWholeKeySpaceContainsEverything(t *testing.T) {
	p := WholeKeySpace()
	if !p.Splittable() {
		t.Fatal("whole key space must be splittable")
	}
	if !p.IsPrefixOf(RandomId()) || !p.IsPrefixOf(Id{}) {
		t.Fatal("whole key space must contain every id")
	}
}

func TestSplitProducesSiblingsCoveringParent(t *testing.T) {
	p := WholeKeySpace()
	low, high, err := p.Split()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !low.IsSiblingOf(high) {
		t.Fatal("split children must be siblings")
	}
	if !low.Parent().Equals(p) {
		t.Fatal("parent of low child must equal original prefix")
	}
	first, last := p.First(), p.Last()
	if !low.IsPrefixOf(first) && !high.IsPrefixOf(first) {
		t.Fatal("one child must contain the first id of the parent")
	}
	if !low.IsPrefixOf(last) && !high.IsPrefixOf(last) {
		t.Fatal("one child must contain the last id of the parent")
	}
}

func TestSplitBranchMatchesSplit(t *testing.T) {
	p := WholeKeySpace()
	low, high, _ := p.Split()
	lb, err := p.SplitBranch(false)
	if err != nil || !lb.Equals(low) {
		t.Fatalf("low branch mismatch: %v %v", lb, err)
	}
	hb, err := p.SplitBranch(true)
	if err != nil || !hb.Equals(high) {
		t.Fatalf("high branch mismatch: %v %v", hb, err)
	}
}

func TestSplitAtMaxDepthFails(t *testing.T) {
	id := RandomId()
	p, err := NewPrefix(id, IdLength*8-1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Splittable() {
		t.Fatal("depth 255 prefix must not be splittable")
	}
	if _, _, err := p.Split(); err == nil {
		t.Fatal("expected error splitting a depth-255 prefix")
	}
}

func TestNewPrefixRejectsOutOfRangeDepth(t *testing.T) {
	id := RandomId()
	if _, err := NewPrefix(id, -2); err == nil {
		t.Fatal("expected OutOfRangeError for depth -2")
	}
	if _, err := NewPrefix(id, IdLength*8); err == nil {
		t.Fatal("expected OutOfRangeError for depth 256")
	}
}

func TestCreateRandomIdStaysWithinPrefix(t *testing.T) {
	id := RandomId()
	p, _ := NewPrefix(id, 40)
	for i := 0; i < 100; i++ {
		r := p.CreateRandomId()
		if !p.IsPrefixOf(r) {
			t.Fatalf("random id %s escaped prefix", r)
		}
	}
}

func TestCommonPrefix(t *testing.T) {
	a := Id{}
	a[0] = 0b1100_0000
	b := Id{}
	b[0] = 0b1101_0000
	c := Id{}
	c[0] = 0b1110_0000

	p := CommonPrefix([]Id{a, b, c})
	if p.Depth() != 1 {
		t.Fatalf("expected common depth 1, got %d", p.Depth())
	}
	if !p.IsPrefixOf(a) || !p.IsPrefixOf(b) || !p.IsPrefixOf(c) {
		t.Fatal("common prefix must contain all inputs")
	}
}
