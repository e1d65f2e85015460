// Package registry maps (input format, output format) pairs to converters.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnsupportedPair = errors.New("unsupported conversion pair")

// Converter turns input bytes of one format into output bytes of another.
type Converter interface {
	Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error)
}

// ConverterFunc adapts a plain function to Converter.
type ConverterFunc func(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error)

func (f ConverterFunc) Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error) {
	return f(ctx, input, from, to, opts)
}

// Format describes a file format known to the registry.
type Format struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	MIMEType string `json:"mime_type"`
	Input    bool   `json:"is_input_supported"`
	Output   bool   `json:"is_output_supported"`
}

// Pair is one supported conversion.
type Pair struct {
	From string `json:"input_format"`
	To   string `json:"output_format"`
}

type Registry struct {
	mu         sync.RWMutex
	formats    map[string]Format
	converters map[Pair]Converter
}

func New() *Registry {
	return &Registry{
		formats:    make(map[string]Format),
		converters: make(map[Pair]Converter),
	}
}

// Normalize lowercases a format name, strips a leading dot and folds aliases.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, ".")
	switch name {
	case "jpeg":
		return "jpg"
	case "yml":
		return "yaml"
	case "tif":
		return "tiff"
	case "htm":
		return "html"
	}
	return name
}

func (r *Registry) RegisterFormat(f Format) {
	f.Name = Normalize(f.Name)
	r.mu.Lock()
	r.formats[f.Name] = f
	r.mu.Unlock()
}

// Register binds a converter to a pair. Both formats must already be
// registered with the matching direction.
func (r *Registry) Register(from, to string, c Converter) error {
	from, to = Normalize(from), Normalize(to)
	if c == nil {
		return fmt.Errorf("register %s->%s: nil converter", from, to)
	}
	if from == to {
		return fmt.Errorf("register %s->%s: identical formats", from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.formats[from]
	if !ok || !in.Input {
		return fmt.Errorf("register %s->%s: %s is not a registered input format", from, to, from)
	}
	out, ok := r.formats[to]
	if !ok || !out.Output {
		return fmt.Errorf("register %s->%s: %s is not a registered output format", from, to, to)
	}
	r.converters[Pair{From: from, To: to}] = c
	return nil
}

// RegisterAll binds c to every from x to combination, skipping identical names.
func (r *Registry) RegisterAll(froms, tos []string, c Converter) error {
	for _, from := range froms {
		for _, to := range tos {
			if Normalize(from) == Normalize(to) {
				continue
			}
			if err := r.Register(from, to, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsRegistered reports whether name is a known input format.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[Normalize(name)]
	return ok && f.Input
}

func (r *Registry) Supports(from, to string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.converters[Pair{From: Normalize(from), To: Normalize(to)}]
	return ok
}

func (r *Registry) Format(name string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[Normalize(name)]
	return f, ok
}

// Formats returns the catalogue ordered by category then name.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	out := make([]Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Categories returns the distinct format categories in order.
func (r *Registry) Categories() []string {
	var out []string
	for _, f := range r.Formats() {
		if len(out) == 0 || out[len(out)-1] != f.Category {
			out = append(out, f.Category)
		}
	}
	return out
}

// ByCategory groups the catalogue by category.
func (r *Registry) ByCategory() map[string][]Format {
	out := make(map[string][]Format)
	for _, f := range r.Formats() {
		out[f.Category] = append(out[f.Category], f)
	}
	return out
}

// Pairs returns every supported conversion in a stable order.
func (r *Registry) Pairs() []Pair {
	r.mu.RLock()
	out := make([]Pair, 0, len(r.converters))
	for p := range r.converters {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// ContentType returns the MIME type for a format, or a generic binary type.
func (r *Registry) ContentType(name string) string {
	if f, ok := r.Format(name); ok && f.MIMEType != "" {
		return f.MIMEType
	}
	return "application/octet-stream"
}

func (r *Registry) Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error) {
	from, to = Normalize(from), Normalize(to)

	r.mu.RLock()
	c, ok := r.converters[Pair{From: from, To: to}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, from, to)
	}
	return c.Convert(ctx, input, from, to, opts)
}
