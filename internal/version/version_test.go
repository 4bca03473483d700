// internal/version/version_test.go
package version

import "testing"

// TestRound exercises the rounding rules over a known version list.
func TestRound(t *testing.T) {
	known := []int64{100, 200, 300}

	cases := []struct {
		name      string
		requested int64
		want      int64
		wantOK    bool
	}{
		{"below oldest passes through", 50, 50, true},
		{"between versions rounds down", 150, 100, true},
		{"exact match stays", 200, 200, true},
		{"at newest stays", 300, 300, true},
		{"beyond newest clamps", 999, 300, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Round(known, tc.requested)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Round(%v, %d) = (%d, %v), want (%d, %v)", known, tc.requested, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

// TestRoundEmpty verifies that a resource with no versions reports absence.
func TestRoundEmpty(t *testing.T) {
	if v, ok := Round(nil, 100); ok {
		t.Errorf("expected no version for an empty list, got %d", v)
	}
}
