package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		in   string
		def  int
		want int
	}{
		{"", 7, 7},
		{"42", 7, 42},
		{"-3", 7, -3},
		{"abc", 7, 7},
		{"4.5", 7, 7},
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.in, tc.def); got != tc.want {
			t.Errorf("AtoiDefault(%q, %d) = %d, want %d", tc.in, tc.def, got, tc.want)
		}
	}
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		name               string
		page, size, max    int
		wantOff, wantLimit int64
	}{
		{"first page", 1, 20, 100, 0, 20},
		{"third page", 3, 10, 100, 20, 10},
		{"zero page coerced", 0, 10, 100, 0, 10},
		{"negative page coerced", -5, 10, 100, 0, 10},
		{"zero size defaults", 2, 0, 100, 20, 20},
		{"size capped", 1, 500, 100, 0, 100},
		{"no cap", 2, 500, 0, 500, 500},
	}
	for _, tc := range cases {
		off, limit := PageBounds(tc.page, tc.size, tc.max)
		if off != tc.wantOff || limit != tc.wantLimit {
			t.Errorf("%s: PageBounds(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tc.name, tc.page, tc.size, tc.max, off, limit, tc.wantOff, tc.wantLimit)
		}
	}
}
