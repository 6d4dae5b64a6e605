// Package piper runs synthesis through a local Piper binary. Each Engine pins
// one voice model; calls pipe text into Piper via stdin and read raw PCM back.
package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nikhilbhutani/supertts/internal/engine"
)

const defaultSampleRate = 22050

// Config holds configuration for the Piper backend.
type Config struct {
	BinPath string // default: "piper"
}

// Engine synthesizes speech with one Piper voice model.
type Engine struct {
	bin        string
	model      string
	config     string
	sampleRate int
	useGPU     bool
}

// Loader returns an engine.LoadFunc bound to cfg.
func Loader(cfg Config) engine.LoadFunc {
	if cfg.BinPath == "" {
		cfg.BinPath = "piper"
	}
	return func(ctx context.Context, modelDir string, useGPU bool) (engine.Engine, error) {
		return New(ctx, cfg.BinPath, modelDir, useGPU)
	}
}

// New locates the Piper binary and the voice model inside modelDir.
func New(ctx context.Context, bin, modelDir string, useGPU bool) (*Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: piper binary %q: %w", engine.ErrModelNotFound, bin, err)
	}

	model, err := findModel(modelDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		bin:        resolved,
		model:      model,
		sampleRate: defaultSampleRate,
		useGPU:     useGPU,
	}

	if cfgPath := model + ".json"; fileExists(cfgPath) {
		e.config = cfgPath
		sr, err := readSampleRate(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", engine.ErrModelNotFound, cfgPath, err)
		}
		if sr > 0 {
			e.sampleRate = sr
		}
	}
	return e, nil
}

func (e *Engine) SampleRate() int { return e.sampleRate }

// Synthesize pipes text into Piper and converts its raw 16-bit output.
func (e *Engine) Synthesize(ctx context.Context, req engine.Request) (*engine.Result, error) {
	cmd := exec.CommandContext(ctx, e.bin, e.args(req)...)
	cmd.Stdin = strings.NewReader(req.Text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrSynthesis, ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %w", engine.ErrEngineBroken, err)
		}
		return nil, fmt.Errorf("%w: piper failed: %w (stderr: %s)", engine.ErrSynthesis, err, tail(stderr.String(), 512))
	}

	wave := pcm16ToFloat(stdout.Bytes())
	return &engine.Result{
		Waveform: wave,
		Duration: time.Duration(float64(len(wave)) / float64(e.sampleRate) * float64(time.Second)),
	}, nil
}

func (e *Engine) args(req engine.Request) []string {
	args := []string{"--model", e.model, "--output-raw", "--quiet"}
	if e.config != "" {
		args = append(args, "--config", e.config)
	}
	if e.useGPU {
		args = append(args, "--cuda")
	}
	if req.Speed > 0 {
		args = append(args, "--length_scale", strconv.FormatFloat(1/req.Speed, 'f', 4, 64))
	}
	if req.Silence > 0 {
		args = append(args, "--sentence_silence", strconv.FormatFloat(req.Silence.Seconds(), 'f', 3, 64))
	}
	if req.Style != nil && req.Style.SpeakerID != nil {
		args = append(args, "--speaker", strconv.Itoa(*req.Style.SpeakerID))
	}
	return args
}

// findModel returns the first *.onnx file in dir, or dir itself when it is
// already a model file.
func findModel(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", engine.ErrModelNotFound, err)
	}
	if !info.IsDir() {
		if filepath.Ext(dir) == ".onnx" {
			return dir, nil
		}
		return "", fmt.Errorf("%w: %s is not an .onnx model", engine.ErrModelNotFound, dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.onnx"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", engine.ErrModelNotFound, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no .onnx model in %s", engine.ErrModelNotFound, dir)
	}
	slices.Sort(matches)
	return matches[0], nil
}

func readSampleRate(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return 0, err
	}
	return cfg.Audio.SampleRate, nil
}

func pcm16ToFloat(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		out[i] = float32(v) / 32768
	}
	return out
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
