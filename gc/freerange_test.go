package gc

import "testing"

func TestFreeRangesBestFit(t *testing.T) {
	var f freeRanges
	f.insert(10, 4)
	f.insert(0, 2)
	f.insert(20, 8)
	f.insert(40, 4)
	if f.total != 18 {
		t.Errorf("total is %d, want 18", f.total)
	}

	lens, nums := f.counts()
	wantLens, wantNums := []uintptr{2, 4, 8}, []uintptr{1, 2, 1}
	for i := range wantLens {
		if i >= len(lens) || lens[i] != wantLens[i] || nums[i] != wantNums[i] {
			t.Fatalf("counts returned %v %v, want %v %v", lens, nums, wantLens, wantNums)
		}
	}

	tests := []struct {
		len       uintptr
		start     uintptr
		removed   uintptr
		available bool
	}{
		{3, 40, 4, true}, // shortest range that fits, last inserted first
		{3, 10, 4, true},
		{1, 0, 2, true},
		{9, 0, 0, false},
		{5, 20, 8, true},
		{1, 0, 0, false},
	}
	for _, tc := range tests {
		start, removed, ok := f.pop(tc.len)
		if ok != tc.available || (ok && (start != tc.start || removed != tc.removed)) {
			t.Errorf("pop(%d) returned %d, %d, %v; want %d, %d, %v", tc.len, start, removed, ok, tc.start, tc.removed, tc.available)
		}
	}
	if f.total != 0 {
		t.Errorf("total is %d after removing everything, want 0", f.total)
	}
}

func TestFreeRangesReset(t *testing.T) {
	var f freeRanges
	f.insert(1, 1)
	f.reset()
	if _, _, ok := f.pop(1); ok || f.total != 0 {
		t.Errorf("free ranges not empty after reset")
	}
}
