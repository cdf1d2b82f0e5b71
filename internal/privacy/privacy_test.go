package privacy

import "testing"

func TestDigestDoesNotLeakLengthZero(t *testing.T) {
	d := Digest("")
	if d.Length != 0 {
		t.Fatalf("expected length 0, got %d", d.Length)
	}
	if d.Hash == "" {
		t.Fatal("expected non-empty hash even for empty text")
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest("package main\n\nfunc main() {}\n")
	b := Digest("package main\n\nfunc main() {}\n")
	if a.Hash != b.Hash || a.Length != b.Length {
		t.Fatalf("Digest not stable across calls: %+v vs %+v", a, b)
	}
}

func TestSanitizePathExtension(t *testing.T) {
	tests := []struct {
		path    string
		wantExt string
	}{
		{"/Users/alice/project/main.go", ".go"},
		{"/home/bob/notes.TXT", ".txt"},
		{"/tmp/Makefile", ""},
	}

	for _, tt := range tests {
		hash, ext := SanitizePath(tt.path)
		if ext != tt.wantExt {
			t.Errorf("SanitizePath(%q) ext = %q, want %q", tt.path, ext, tt.wantExt)
		}
		if hash == "" {
			t.Errorf("SanitizePath(%q) returned empty hash", tt.path)
		}
		if hash == tt.path {
			t.Errorf("SanitizePath(%q) leaked the raw path", tt.path)
		}
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one line", 1},
		{"line one\nline two", 2},
		{"line one\nline two\n", 3},
	}
	for _, tt := range tests {
		if got := CountLines(tt.text); got != tt.want {
			t.Errorf("CountLines(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestScrubMetadataKeys(t *testing.T) {
	meta := map[string]any{"raw_text": "secret", "tokens_used": 42}
	out := ScrubMetadataKeys(meta, "raw_text")
	if _, ok := out["raw_text"]; ok {
		t.Fatal("raw_text should have been scrubbed")
	}
	if out["tokens_used"] != 42 {
		t.Fatal("unrelated key should survive scrubbing")
	}
}
