package drg

import "testing"

func TestLooksLikeDRGCode(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"470", true},
		{"0470", true},
		{"", false},
		{"12345", false},
		{"hip replacement", false},
		{"47a", false},
	}
	for _, c := range cases {
		if got := LooksLikeDRGCode(c.in); got != c.want {
			t.Errorf("LooksLikeDRGCode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
