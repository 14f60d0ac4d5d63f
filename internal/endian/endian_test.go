package endian

import "testing"

func TestU2U4RoundTrip(t *testing.T) {
	b := make([]byte, 8)
	PutU2(b, 0, 0xCAFE)
	PutU4(b, 2, 0xBABE1234)
	if got := U2(b, 0); got != 0xCAFE {
		t.Fatalf("U2 = %x, want CAFE", got)
	}
	if got := U4(b, 2); got != 0xBABE1234 {
		t.Fatalf("U4 = %x, want BABE1234", got)
	}
}

func TestCellsForBytes(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0}, {1, 1}, {4, 1}, {5, 2}, {8, 2},
	}
	for _, c := range cases {
		if got := CellsForBytes(c.n); got != c.want {
			t.Errorf("CellsForBytes(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestCellsForElementsOverflow(t *testing.T) {
	if _, overflow := CellsForElements(0x1000000, 4); !overflow {
		t.Fatal("expected overflow rejection at the boundary size")
	}
	if _, overflow := CellsForElements(-1, 4); !overflow {
		t.Fatal("expected negative length to be rejected")
	}
	if cells, overflow := CellsForElements(10, 4); overflow || cells != 10 {
		t.Fatalf("CellsForElements(10,4) = (%d,%v), want (10,false)", cells, overflow)
	}
}
