package idt

import "testing"

func TestIdtDispatchRoutesIRQVectorsByOffset(t *testing.T) {
	var got []int
	SetIRQDispatcher(func(line int) { got = append(got, line) })
	t.Cleanup(func() { irqDispatch = func(int) {} })

	idtDispatch(irqVectorBase, 0)
	idtDispatch(irqVectorBase+1, 0)
	idtDispatch(irqVectorBase+irqVectorCount-1, 0)

	want := []int{irqVectorBase, irqVectorBase + 1, irqVectorBase + irqVectorCount - 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIdtDispatchRoutesFaultsWithErrorCode(t *testing.T) {
	var gotVector int
	var gotCode uint64
	SetFaultDispatcher(func(vector int, errCode uint64) {
		gotVector = vector
		gotCode = errCode
	})
	t.Cleanup(func() {
		faultDispatch = func(vector int, errCode uint64) {}
	})

	idtDispatch(13, 0xBEEF)

	if gotVector != 13 || gotCode != 0xBEEF {
		t.Fatalf("got (%d, %#x), want (13, 0xbeef)", gotVector, gotCode)
	}
}

func TestIdtDispatchIgnoresVectorsOutsideBothRanges(t *testing.T) {
	called := false
	SetIRQDispatcher(func(int) { called = true })
	SetFaultDispatcher(func(int, uint64) { called = true })
	t.Cleanup(func() {
		irqDispatch = func(int) {}
		faultDispatch = func(vector int, errCode uint64) {}
	})

	idtDispatch(2, 0) // NMI: not in faultVectors, not an IRQ vector

	if called {
		t.Fatal("vector 2 should not reach either dispatcher")
	}
}

func TestInitBuildsOnlyArmedGatesPresent(t *testing.T) {
	Init()

	for i := range table {
		switch {
		case i >= irqVectorBase && i < irqVectorBase+irqVectorCount:
			if table[i].typeAttr != gateInterrupt64 {
				t.Errorf("vector %d: expected an armed interrupt gate", i)
			}
		case contains(faultVectors, uint8(i)):
			if table[i].typeAttr != gateInterrupt64 {
				t.Errorf("vector %d: expected an armed interrupt gate", i)
			}
		default:
			if table[i].typeAttr != 0 {
				t.Errorf("vector %d: expected a non-present gate, got typeAttr %#x", i, table[i].typeAttr)
			}
		}
	}
}

func contains(vs []uint8, v uint8) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
