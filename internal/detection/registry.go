package detection

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sort"
	"sync"
	"time"

	"shiftwatch/internal/pipeline"
)

// Config selects and configures a detector backend
type Config struct {
	Backend  string        // Registered backend name, "yolo" or "grpc"
	Endpoint string        // Service URL (yolo) or host:port (grpc)
	Model    string        // Model path or name forwarded to the service
	Timeout  time.Duration // Per-frame request timeout
	Quality  int           // JPEG quality of uploaded frames
}

// Factory builds a detector from configuration
type Factory func(cfg Config) (pipeline.Detector, error)

// Registry maps backend names to detector factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in backends
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("yolo", func(cfg Config) (pipeline.Detector, error) {
		return NewYOLODetector(cfg), nil
	})
	_ = r.Register("grpc", func(cfg Config) (pipeline.Detector, error) {
		return NewGRPCDetector(cfg)
	})
	return r
}

// Register adds a backend factory
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("detector factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds the detector named by cfg.Backend
func (r *Registry) New(cfg Config) (pipeline.Detector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown detector %q (available: %v)", cfg.Backend, r.Names())
	}
	d, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s detector: %w", cfg.Backend, err)
	}
	return d, nil
}

// Names returns registered backend names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// encodeFrame compresses a frame for upload
func encodeFrame(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// toBBox converts [x1, y1, x2, y2] floats to a normalized pixel box
func toBBox(v []float64) (pipeline.BBox, bool) {
	if len(v) < 4 {
		return pipeline.BBox{}, false
	}
	b := pipeline.BBox{
		X1: int(math.Round(v[0])),
		Y1: int(math.Round(v[1])),
		X2: int(math.Round(v[2])),
		Y2: int(math.Round(v[3])),
	}
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b, true
}
