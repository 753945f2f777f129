package gclayout

import "testing"

func TestPredefinedLayouts(t *testing.T) {
	tests := []struct {
		name        string
		layout      Layout
		words       uintptr
		mask        uint64
		pointerFree bool
	}{
		{"NoPtrs", NoPtrs, 1, 0b0, true},
		{"Pointer", Pointer, 1, 0b1, false},
		{"String", String, 2, 0b01, false},
		{"Slice", Slice, 3, 0b001, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			words, mask := tc.layout.Fields()
			if words != tc.words || mask != tc.mask {
				t.Errorf("Fields returned %d, %b, want %d, %b", words, mask, tc.words, tc.mask)
			}
			if tc.layout.PointerFree() != tc.pointerFree {
				t.Errorf("PointerFree returned %v, want %v", tc.layout.PointerFree(), tc.pointerFree)
			}
			built, ok := Inline(int(tc.words), tc.mask)
			if !ok || built != tc.layout {
				t.Errorf("Inline returned %v, %v, want %v, true", built, ok, tc.layout)
			}
		})
	}
}

func TestInlineRejects(t *testing.T) {
	if _, ok := Inline(0, 0); ok {
		t.Errorf("Inline accepted a zero-sized element")
	}
	if _, ok := Inline(64, 0); ok {
		t.Errorf("Inline accepted an element that overflows the size field")
	}
	if _, ok := Inline(2, 0b100); ok {
		t.Errorf("Inline accepted pointer bits past the element")
	}
}

func TestTable(t *testing.T) {
	var table Table
	weak, err := table.Register(Desc{Words: 2, Bitmap: []byte{0b11}, Weak: true, Referent: 0})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if weak.IsInline() || weak == Unknown {
		t.Fatalf("Register returned %v, want a descriptor reference", weak)
	}
	d, ok := table.Lookup(weak)
	if !ok || !d.Weak || d.Words != 2 {
		t.Errorf("Lookup returned %+v, %v", d, ok)
	}
	if !d.PointerAt(1) {
		t.Errorf("PointerAt(1) returned false, want true")
	}

	if _, ok := table.Lookup(Pointer); ok {
		t.Errorf("Lookup of an inline layout succeeded")
	}
	if _, ok := table.Lookup(Layout(100 << 1)); ok {
		t.Errorf("Lookup of an unregistered descriptor succeeded")
	}
	// The table keeps its own copy of the bitmap.
	bitmap := []byte{0b01}
	l := table.MustRegister(Desc{Words: 2, Bitmap: bitmap})
	bitmap[0] = 0b10
	if d, _ := table.Lookup(l); !d.PointerAt(0) || d.PointerAt(1) {
		t.Errorf("descriptor changed with the caller's bitmap: %08b", d.Bitmap[0])
	}

	if _, err := table.Register(Desc{Words: 9, Bitmap: []byte{0xff}}); err == nil {
		t.Errorf("Register accepted a short bitmap")
	}
	if _, err := table.Register(Desc{Words: 1, Bitmap: []byte{1}, Weak: true, Referent: 1}); err == nil {
		t.Errorf("Register accepted a referent outside the element")
	}
}

func TestValid(t *testing.T) {
	for _, tc := range []struct {
		l    Layout
		want bool
	}{
		{NoPtrs, true},
		{Pointer, true},
		{String, true},
		{Slice, true},
		{Unknown, true},
		{Layout(2 << 1), true},
		// No words but a pointer.
		{Layout(1<<sizeShift | 1), false},
		// A pointer past the element.
		{Layout(0b100<<sizeShift | 2<<1 | 1), false},
		{Layout(0b11<<sizeShift | 2<<1 | 1), true},
	} {
		if got := tc.l.Valid(); got != tc.want {
			t.Errorf("%v.Valid() returned %v, want %v", tc.l, got, tc.want)
		}
	}
}
