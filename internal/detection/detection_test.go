package detection

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"shiftwatch/internal/pipeline"
)

func testFrame() *pipeline.FrameData {
	return &pipeline.FrameData{Index: 7, Time: 0.7, Image: image.NewGray(image.Rect(0, 0, 40, 30))}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"grpc", "yolo"}, r.Names())

	d, err := r.New(Config{Backend: "yolo", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "yolo", d.Name())

	_, err = r.New(Config{Backend: "opencv"})
	assert.ErrorContains(t, err, "unknown detector")

	assert.Error(t, r.Register("yolo", func(Config) (pipeline.Detector, error) { return nil, nil }))
	assert.Error(t, r.Register("", func(Config) (pipeline.Detector, error) { return nil, nil }))
}

func TestToBBox(t *testing.T) {
	b, ok := toBBox([]float64{10.4, 20.6, 5, 8})
	require.True(t, ok)
	assert.Equal(t, pipeline.BBox{X1: 5, Y1: 8, X2: 10, Y2: 21}, b)

	_, ok = toBBox([]float64{1, 2, 3})
	assert.False(t, ok)
}

func TestYOLODetectorDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.400", r.FormValue("conf_threshold"))
		assert.Equal(t, "ppe.pt", r.FormValue("model"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		img, err := jpeg.Decode(f)
		require.NoError(t, err)
		assert.Equal(t, 40, img.Bounds().Dx())

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "no_glove", "confidence": 0.91, "bbox": []float64{1, 2, 30, 20}},
				{"class": "broken", "confidence": 0.5, "bbox": []float64{1}},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	d := NewYOLODetector(Config{Endpoint: srv.URL + "/", Model: "ppe.pt"})
	rows, err := d.Detect(context.Background(), testFrame(), 0.4)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pipeline.RawDetection{Class: "no_glove", Confidence: 0.91, BBox: pipeline.BBox{X1: 1, Y1: 2, X2: 30, Y2: 20}}, rows[0])
}

func TestYOLODetectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			io.WriteString(w, `{"status":"ok","model_loaded":false}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "model crashed")
		}
	}))
	defer srv.Close()

	d := NewYOLODetector(Config{Endpoint: srv.URL})
	_, err := d.Detect(context.Background(), testFrame(), 0.5)
	assert.ErrorContains(t, err, "model crashed")
	assert.ErrorContains(t, d.Health(context.Background()), "not loaded")
}

// startDetectService serves DetectMethod over an in-memory listener
func startDetectService(t *testing.T, handle func(req *structpb.Struct) (*structpb.Struct, error)) *GRPCDetector {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "detection.v1.DetectionService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return handle(in)
			},
		}},
	}, struct{}{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	d, err := NewGRPCDetector(Config{Endpoint: "passthrough:///bufnet", Timeout: 5 * time.Second},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGRPCDetectorDetect(t *testing.T) {
	var got *structpb.Struct
	d := startDetectService(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{
			"detections": []any{
				map[string]any{"class": "no_head", "confidence": 0.77, "bbox": []any{3.0, 4.0, 13.0, 14.0}},
				map[string]any{"class": "no_bbox", "confidence": 0.9},
			},
		})
	})

	rows, err := d.Detect(context.Background(), testFrame(), 0.25)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "no_head", rows[0].Class)
	assert.InDelta(t, 0.77, rows[0].Confidence, 1e-9)
	assert.Equal(t, pipeline.BBox{X1: 3, Y1: 4, X2: 13, Y2: 14}, rows[0].BBox)

	require.NotNil(t, got)
	assert.InDelta(t, 0.25, got.Fields["conf_threshold"].GetNumberValue(), 1e-9)
	assert.EqualValues(t, 7, got.Fields["frame_index"].GetNumberValue())
	assert.NotEmpty(t, got.Fields["image"].GetStringValue())
}
