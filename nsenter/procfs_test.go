package nsenter

import "testing"

func TestParseFd(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"3", 3, false},
		{"0", 0, false},
		{"", 0, true},
		{"-1", 0, true},
		{"not-a-number", 0, true},
	}
	for _, tt := range tests {
		got, err := parseFd(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFd(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("parseFd(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTokenizeMap(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"0 1000 1\n", []string{"0", "1000", "1"}},
		{"0 1000 1\n1 2000 1\n", []string{"0", "1000", "1", "1", "2000", "1"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := tokenizeMap([]byte(tt.in))
		if len(got) != len(tt.want) {
			t.Errorf("tokenizeMap(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenizeMap(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTokenizeMapBounded(t *testing.T) {
	// Build a map buffer with more than maxMapToolArgs whitespace-separated
	// tokens and confirm tokenizeMap truncates rather than growing argv
	// without bound.
	var in string
	for i := 0; i < maxMapToolArgs+10; i++ {
		in += "0 "
	}
	got := tokenizeMap([]byte(in))
	if len(got) != maxMapToolArgs {
		t.Errorf("tokenizeMap truncated to %d tokens, want %d", len(got), maxMapToolArgs)
	}
}

func TestWriteIDMapEmptyIsNoop(t *testing.T) {
	if err := writeIDMap(1, "uid", nil, ""); err != nil {
		t.Errorf("writeIDMap with empty data = %v, want nil", err)
	}
}
