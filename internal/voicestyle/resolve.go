package voicestyle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrVoiceNotFound is returned when a voice name maps to no style file.
var ErrVoiceNotFound = errors.New("voicestyle: voice not found")

// Alias maps a short voice name to a style file in the styles dir.
type Alias struct {
	Name string
	File string
}

// StandardAliases are tried in order, exact matches before partial ones.
var StandardAliases = []Alias{
	{"m1", "M1.json"},
	{"male1", "M1.json"},
	{"f1", "F1.json"},
	{"female1", "F1.json"},
	{"m2", "M2.json"},
	{"male2", "M2.json"},
	{"f2", "F2.json"},
	{"female2", "F2.json"},
}

var fallbackFiles = []string{"F1.json", "M1.json"}

// Voice describes a selectable voice for listings.
type Voice struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Resolver turns OpenAI-style voice names into style file paths.
type Resolver struct {
	Dir     string
	Default string
	Logger  *slog.Logger
}

func NewResolver(dir, defaultPath string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Dir: dir, Default: defaultPath, Logger: logger}
}

// Resolve returns the style file for voice. The lookup order is: the default
// style for an empty name, a direct path, the alias table (exact, then
// substring), a fuzzy match on file names in Dir, and finally the F1 and M1
// fallbacks.
func (r *Resolver) Resolve(voice string) (string, error) {
	if voice == "" {
		if !exists(r.Default) {
			return "", fmt.Errorf("%w: default voice style %s", ErrVoiceNotFound, r.Default)
		}
		return r.Default, nil
	}

	if strings.Contains(voice, ".json") || strings.ContainsAny(voice, `/\`) {
		p := voice
		if !strings.HasSuffix(p, ".json") {
			p += ".json"
		}
		if !exists(p) {
			return "", fmt.Errorf("%w: voice style file %s", ErrVoiceNotFound, p)
		}
		return p, nil
	}

	name := strings.ToLower(voice)

	for _, a := range StandardAliases {
		if name == a.Name {
			return r.aliasPath(a)
		}
	}
	for _, a := range StandardAliases {
		if strings.Contains(name, a.Name) {
			return r.aliasPath(a)
		}
	}

	for _, file := range r.styleFiles() {
		stem := strings.ToLower(strings.TrimSuffix(file, filepath.Ext(file)))
		if strings.Contains(stem, name) || strings.Contains(name, stem) {
			return filepath.Join(r.Dir, file), nil
		}
	}

	for _, file := range fallbackFiles {
		p := filepath.Join(r.Dir, file)
		if exists(p) {
			r.Logger.Warn("unknown voice, using fallback", "voice", voice, "fallback", p)
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: unknown voice %q and no fallback available; %s", ErrVoiceNotFound, voice, r.available())
}

func (r *Resolver) aliasPath(a Alias) (string, error) {
	p := filepath.Join(r.Dir, a.File)
	if !exists(p) {
		return "", fmt.Errorf("%w: voice %q: %s", ErrVoiceNotFound, a.Name, p)
	}
	return p, nil
}

// Voices lists the alias table followed by any other style files in Dir.
func (r *Resolver) Voices() []Voice {
	voices := make([]Voice, 0, len(StandardAliases))
	seen := make(map[string]bool)
	for _, a := range StandardAliases {
		p := filepath.Join(r.Dir, a.File)
		voices = append(voices, Voice{Name: a.Name, Path: p, Exists: exists(p)})
		seen[strings.ToLower(a.File)] = true
	}
	for _, file := range r.styleFiles() {
		if seen[strings.ToLower(file)] {
			continue
		}
		seen[strings.ToLower(file)] = true
		voices = append(voices, Voice{
			Name:   strings.TrimSuffix(file, filepath.Ext(file)),
			Path:   filepath.Join(r.Dir, file),
			Exists: true,
		})
	}
	return voices
}

// styleFiles returns the sorted *.json file names in Dir.
func (r *Resolver) styleFiles() []string {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files
}

func (r *Resolver) available() string {
	if _, err := os.Stat(r.Dir); err != nil {
		return fmt.Sprintf("voice styles directory %s does not exist", r.Dir)
	}
	files := r.styleFiles()
	if len(files) == 0 {
		return fmt.Sprintf("no voice style files found in %s", r.Dir)
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = strings.TrimSuffix(f, ".json")
	}
	return "available voice styles: " + strings.Join(names, ", ")
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
