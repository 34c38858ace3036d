package scp

import "testing"

func TestBallotCompareByCounterThenValue(t *testing.T) {
	low := Ballot{Counter: 1, Value: Value{0x01}}
	high := Ballot{Counter: 2, Value: Value{0x00}}
	if !low.Less(high) {
		t.Fatalf("expected ballot with lower counter to sort first regardless of value")
	}

	a := Ballot{Counter: 1, Value: Value{0x01}}
	b := Ballot{Counter: 1, Value: Value{0x02}}
	if !a.Less(b) {
		t.Fatalf("expected tie-broken comparison by value when counters are equal")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a ballot to compare equal to itself")
	}
}

func TestBallotIsZero(t *testing.T) {
	var b Ballot
	if !b.IsZero() {
		t.Fatalf("expected zero-value ballot to report IsZero")
	}
	b.Counter = 1
	if b.IsZero() {
		t.Fatalf("expected ballot with nonzero counter to not report IsZero")
	}
}
