package voicestyle

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newStyleDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		writeStyle(t, dir, n)
	}
	return dir
}

func TestResolver_Resolve(t *testing.T) {
	dir := newStyleDir(t, "M1.json", "F1.json", "M2.json", "F2.json", "narrator_deep.json")
	r := NewResolver(dir, filepath.Join(dir, "M1.json"), nil)

	tests := []struct {
		voice string
		want  string
	}{
		{"", "M1.json"},
		{"m1", "M1.json"},
		{"MALE1", "M1.json"},
		{"female1", "F1.json"},
		{"m2", "M2.json"},
		{"f2", "F2.json"},
		{"female2", "F2.json"},
		{"my-f1-voice", "F1.json"},
		{"narrator", "narrator_deep.json"},
		{"alloy", "F1.json"},
	}

	for _, tt := range tests {
		t.Run(tt.voice, func(t *testing.T) {
			got, err := r.Resolve(tt.voice)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.voice, err)
			}
			if filepath.Base(got) != tt.want {
				t.Errorf("Resolve(%q) = %s, want %s", tt.voice, got, tt.want)
			}
		})
	}
}

func TestResolver_DirectPath(t *testing.T) {
	dir := newStyleDir(t, "custom.json")
	r := NewResolver(dir, "", nil)

	full := filepath.Join(dir, "custom.json")
	if got, err := r.Resolve(full); err != nil || got != full {
		t.Errorf("direct path: got %q, %v", got, err)
	}
	if got, err := r.Resolve(filepath.Join(dir, "custom")); err != nil || got != full {
		t.Errorf("path without extension: got %q, %v", got, err)
	}
	if _, err := r.Resolve(filepath.Join(dir, "nope.json")); !errors.Is(err, ErrVoiceNotFound) {
		t.Errorf("missing direct path: got %v, want ErrVoiceNotFound", err)
	}
}

func TestResolver_Errors(t *testing.T) {
	dir := newStyleDir(t, "other.json")
	r := NewResolver(dir, filepath.Join(dir, "M1.json"), nil)

	if _, err := r.Resolve(""); !errors.Is(err, ErrVoiceNotFound) {
		t.Errorf("missing default: got %v", err)
	}
	if _, err := r.Resolve("m1"); !errors.Is(err, ErrVoiceNotFound) {
		t.Errorf("alias with missing file: got %v", err)
	}

	_, err := r.Resolve("alloy")
	if !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("no fallback: got %v", err)
	}
	if !strings.Contains(err.Error(), "other") {
		t.Errorf("error should list available voices: %v", err)
	}
}

func TestResolver_Voices(t *testing.T) {
	dir := newStyleDir(t, "M1.json", "extra.json")
	r := NewResolver(dir, "", nil)

	voices := r.Voices()
	if len(voices) != len(StandardAliases)+1 {
		t.Fatalf("got %d voices, want %d", len(voices), len(StandardAliases)+1)
	}
	if !voices[0].Exists || voices[0].Name != "m1" {
		t.Errorf("first voice: %+v", voices[0])
	}
	if voices[2].Exists {
		t.Errorf("f1 should not exist: %+v", voices[2])
	}
	last := voices[len(voices)-1]
	if last.Name != "extra" || !last.Exists {
		t.Errorf("extra voice: %+v", last)
	}
}
