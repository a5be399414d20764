package storage

import "testing"

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Funky Groove #2", "beats/7/42-funky-groove-2.json"},
		{"", "beats/7/42-beat.json"},
		{"../../etc", "beats/7/42-..-..-etc.json"},
		{"鼓点", "beats/7/42-beat.json"},
	}
	for _, tt := range tests {
		if got := ObjectKey(7, 42, tt.name); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
	if got := UserPrefix(7); got != "beats/7/" {
		t.Errorf("UserPrefix = %q", got)
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := FormatSize(in); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", in, got, want)
		}
	}
}
