package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"shiftwatch/internal/pipeline"
)

// yoloDetection is one row of the service response
type yoloDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// yoloResult is the /detect response
type yoloResult struct {
	Detections      []yoloDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// yoloHealth is the /health response
type yoloHealth struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// YOLODetector calls an HTTP YOLO inference service
type YOLODetector struct {
	endpoint string
	model    string
	quality  int
	client   *http.Client
}

// NewYOLODetector creates an HTTP detector
func NewYOLODetector(cfg Config) *YOLODetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &YOLODetector{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		model:    cfg.Model,
		quality:  cfg.Quality,
		client:   &http.Client{Timeout: timeout},
	}
}

func (yd *YOLODetector) Name() string { return "yolo" }

// Health checks that the service is up with a model loaded
func (yd *YOLODetector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}
	var health yoloHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if !health.ModelLoaded {
		return fmt.Errorf("YOLO model not loaded")
	}
	return nil
}

// Detect uploads the frame and returns the service's rows
func (yd *YOLODetector) Detect(ctx context.Context, frame *pipeline.FrameData, confThreshold float64) ([]pipeline.RawDetection, error) {
	data, err := encodeFrame(frame.Image, yd.quality)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", fmt.Sprintf("frame_%d.jpg", frame.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write frame: %w", err)
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", confThreshold))
	if yd.model != "" {
		w.WriteField("model", yd.model)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect", &b)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("YOLO request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("YOLO detection failed (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result yoloResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode YOLO response: %w", err)
	}

	rows := make([]pipeline.RawDetection, 0, len(result.Detections))
	for _, d := range result.Detections {
		box, ok := toBBox(d.BBox)
		if !ok {
			continue
		}
		rows = append(rows, pipeline.RawDetection{Class: d.Class, Confidence: d.Confidence, BBox: box})
	}
	return rows, nil
}

func (yd *YOLODetector) Close() error {
	yd.client.CloseIdleConnections()
	return nil
}

// Ensure YOLODetector implements pipeline.Detector
var _ pipeline.Detector = (*YOLODetector)(nil)
