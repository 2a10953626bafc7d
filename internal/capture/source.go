// SPDX-License-Identifier: MIT

// Package capture produces the frames a client ships to the inference
// server: synthetic test patterns for development and image directories for
// replaying recorded footage.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Image is one captured picture, already encoded.
type Image struct {
	Pixels []byte // JPEG bytes
	Width  int
	Height int
}

// Source yields images one at a time. Next blocks until an image is
// available or ctx is done; io.EOF-style termination is signaled with
// ErrSourceDrained.
type Source interface {
	Next(ctx context.Context) (Image, error)
	Close() error
}

// ErrSourceDrained means the source has no more images and never will.
var ErrSourceDrained = errors.New("capture: source drained")

// SyntheticSource renders a moving block on a flat background, cheap enough
// to generate at camera rates. Deterministic given the frame counter, which
// makes downstream assertions stable.
type SyntheticSource struct {
	width   int
	height  int
	quality int
	n       int
}

// NewSyntheticSource creates a generator for width x height JPEG frames.
func NewSyntheticSource(width, height, quality int) *SyntheticSource {
	return &SyntheticSource{width: width, height: height, quality: quality}
}

func (s *SyntheticSource) Next(ctx context.Context) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bg := color.RGBA{R: 32, G: 32, B: 40, A: 255}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	// A block sweeping left to right, wrapping each pass.
	side := s.width / 8
	if side < 4 {
		side = 4
	}
	offset := (s.n * 7) % (s.width - side)
	top := (s.height - side) / 2
	fg := color.RGBA{R: 220, G: 80, B: 40, A: 255}
	for y := top; y < top+side && y < s.height; y++ {
		for x := offset; x < offset+side && x < s.width; x++ {
			img.SetRGBA(x, y, fg)
		}
	}
	s.n++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return Image{}, fmt.Errorf("encode synthetic frame: %w", err)
	}
	return Image{Pixels: buf.Bytes(), Width: s.width, Height: s.height}, nil
}

func (s *SyntheticSource) Close() error { return nil }

// FileSource replays JPEG files from a directory in lexical order. With
// loop enabled it wraps around forever; otherwise it drains once.
type FileSource struct {
	paths []string
	loop  bool
	idx   int
}

// NewFileSource lists the directory's JPEG files. An empty directory is an
// error; a source with nothing to send is a misconfiguration.
func NewFileSource(dir string, loop bool) (*FileSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no jpeg files in %s", dir)
	}
	sort.Strings(paths)
	return &FileSource{paths: paths, loop: loop}, nil
}

func (s *FileSource) Next(ctx context.Context) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	if s.idx >= len(s.paths) {
		if !s.loop {
			return Image{}, ErrSourceDrained
		}
		s.idx = 0
	}
	path := s.paths[s.idx]
	s.idx++

	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("read frame file: %w", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return Image{Pixels: data, Width: cfg.Width, Height: cfg.Height}, nil
}

func (s *FileSource) Close() error { return nil }

var (
	_ Source = (*SyntheticSource)(nil)
	_ Source = (*FileSource)(nil)
)
