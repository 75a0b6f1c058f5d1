package detection

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"shiftwatch/internal/pipeline"
)

// DetectMethod is the unary RPC served by the inference service.
// Request and response are google.protobuf.Struct messages.
const DetectMethod = "/detection.v1.DetectionService/Detect"

// GRPCDetector calls a gRPC inference service
type GRPCDetector struct {
	conn    *grpc.ClientConn
	model   string
	quality int
	timeout time.Duration
}

// NewGRPCDetector creates a client for cfg.Endpoint. The connection is
// established lazily on the first call.
func NewGRPCDetector(cfg Config, opts ...grpc.DialOption) (*GRPCDetector, error) {
	// Detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCDetector{
		conn:    conn,
		model:   cfg.Model,
		quality: cfg.Quality,
		timeout: timeout,
	}, nil
}

func (gd *GRPCDetector) Name() string { return "grpc" }

func (gd *GRPCDetector) Detect(ctx context.Context, frame *pipeline.FrameData, confThreshold float64) ([]pipeline.RawDetection, error) {
	data, err := encodeFrame(frame.Image, gd.quality)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"image":          data, // base64 encoded by structpb
		"frame_index":    frame.Index,
		"conf_threshold": confThreshold,
	}
	if gd.model != "" {
		fields["model"] = gd.model
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect RPC failed: %w", err)
	}
	return parseStructDetections(resp), nil
}

// parseStructDetections reads {detections: [{class, confidence, bbox}]}.
// Malformed rows are skipped.
func parseStructDetections(resp *structpb.Struct) []pipeline.RawDetection {
	list := resp.GetFields()["detections"].GetListValue()
	rows := make([]pipeline.RawDetection, 0, len(list.GetValues()))

	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		if f == nil {
			continue
		}
		var coords []float64
		for _, c := range f["bbox"].GetListValue().GetValues() {
			coords = append(coords, c.GetNumberValue())
		}
		box, ok := toBBox(coords)
		if !ok {
			continue
		}
		rows = append(rows, pipeline.RawDetection{
			Class:      f["class"].GetStringValue(),
			Confidence: f["confidence"].GetNumberValue(),
			BBox:       box,
		})
	}
	return rows
}

func (gd *GRPCDetector) Close() error {
	return gd.conn.Close()
}

// Ensure GRPCDetector implements pipeline.Detector
var _ pipeline.Detector = (*GRPCDetector)(nil)
