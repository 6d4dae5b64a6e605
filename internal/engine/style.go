package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

var (
	// ErrStyleIO is returned when a style file cannot be read.
	ErrStyleIO = errors.New("engine: voice style unreadable")

	// ErrStyleParse is returned when a style file is not a valid style.
	ErrStyleParse = errors.New("engine: voice style malformed")
)

// Tensor is a dense float32 tensor stored row-major.
type Tensor struct {
	Dims []int
	Data []float32
}

// Empty reports whether the tensor carries no values.
func (t Tensor) Empty() bool { return len(t.Data) == 0 }

// Style is an immutable, parsed voice style. Values are shared between
// goroutines by the cache and must never be modified after loading.
type Style struct {
	TTL       Tensor
	DP        Tensor
	SpeakerID *int

	Sources     []string
	Fingerprint string
}

// BatchSize returns the number of stacked styles.
func (s *Style) BatchSize() int {
	if len(s.TTL.Dims) > 0 {
		return s.TTL.Dims[0]
	}
	if len(s.DP.Dims) > 0 {
		return s.DP.Dims[0]
	}
	return len(s.Sources)
}

type styleFile struct {
	TTL       *tensorFile `json:"style_ttl"`
	DP        *tensorFile `json:"style_dp"`
	SpeakerID *int        `json:"speaker_id"`
}

type tensorFile struct {
	Dims []int           `json:"dims"`
	Data json.RawMessage `json:"data"`
}

// LoadStyle reads one or more voice style files. Several files are stacked
// along the first (batch) dimension; their remaining dimensions must agree.
func LoadStyle(paths ...string) (*Style, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no style files given", ErrStyleIO)
	}

	h := sha256.New()
	style := &Style{Sources: slices.Clone(paths)}

	for i, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrStyleIO, path, err)
		}
		h.Write(raw)

		one, err := parseStyle(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrStyleParse, path, err)
		}

		if i == 0 {
			style.TTL, style.DP, style.SpeakerID = one.TTL, one.DP, one.SpeakerID
			continue
		}
		if style.TTL, err = stack(style.TTL, one.TTL); err != nil {
			return nil, fmt.Errorf("%w: %s: style_ttl: %w", ErrStyleParse, path, err)
		}
		if style.DP, err = stack(style.DP, one.DP); err != nil {
			return nil, fmt.Errorf("%w: %s: style_dp: %w", ErrStyleParse, path, err)
		}
	}

	style.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return style, nil
}

func parseStyle(raw []byte) (*Style, error) {
	var f styleFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.TTL == nil && f.DP == nil && f.SpeakerID == nil {
		return nil, errors.New("no style_ttl, style_dp or speaker_id")
	}

	s := &Style{SpeakerID: f.SpeakerID}
	var err error
	if f.TTL != nil {
		if s.TTL, err = f.TTL.tensor(); err != nil {
			return nil, fmt.Errorf("style_ttl: %w", err)
		}
	}
	if f.DP != nil {
		if s.DP, err = f.DP.tensor(); err != nil {
			return nil, fmt.Errorf("style_dp: %w", err)
		}
	}
	return s, nil
}

func (tf *tensorFile) tensor() (Tensor, error) {
	var nested any
	if err := json.Unmarshal(tf.Data, &nested); err != nil {
		return Tensor{}, err
	}
	data, err := flatten(nested, nil)
	if err != nil {
		return Tensor{}, err
	}

	want := 1
	for _, d := range tf.Dims {
		if d <= 0 {
			return Tensor{}, fmt.Errorf("invalid dimension %d", d)
		}
		want *= d
	}
	if len(tf.Dims) == 0 || want != len(data) {
		return Tensor{}, fmt.Errorf("dims %v describe %d values, found %d", tf.Dims, want, len(data))
	}
	return Tensor{Dims: tf.Dims, Data: data}, nil
}

func flatten(v any, out []float32) ([]float32, error) {
	switch x := v.(type) {
	case float64:
		return append(out, float32(x)), nil
	case []any:
		var err error
		for _, e := range x {
			if out, err = flatten(e, out); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T in tensor data", v)
	}
}

func stack(a, b Tensor) (Tensor, error) {
	if a.Empty() && b.Empty() {
		return a, nil
	}
	if a.Empty() != b.Empty() {
		return Tensor{}, errors.New("present in some files only")
	}
	if !slices.Equal(a.Dims[1:], b.Dims[1:]) {
		return Tensor{}, fmt.Errorf("dims %v do not match %v", b.Dims, a.Dims)
	}
	dims := slices.Clone(a.Dims)
	dims[0] += b.Dims[0]
	data := make([]float32, 0, len(a.Data)+len(b.Data))
	data = append(append(data, a.Data...), b.Data...)
	return Tensor{Dims: dims, Data: data}, nil
}
