package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"shiftwatch/internal/pipeline"
)

const (
	// DetectionsFile lists every detection kept after the confidence filter
	DetectionsFile = "detections_all.csv"
	// EventsFile lists aggregated violation events
	EventsFile = "violations_events.csv"
)

var (
	detectionHeader = []string{"wall_time", "time_s", "frame_idx", "class_name", "conf", "bbox"}
	eventHeader     = []string{"id", "class_names", "confs", "time_s", "frame_idx", "wall_time_first", "bbox", "clip_path", "saved", "status"}
)

// Export writes both CSV reports into dir
func Export(dir string, r *pipeline.Report) error {
	if err := WriteDetections(filepath.Join(dir, DetectionsFile), r.Detections); err != nil {
		return err
	}
	return WriteEvents(filepath.Join(dir, EventsFile), r.Events)
}

// WriteDetections writes one row per detection
func WriteDetections(path string, dets []pipeline.Detection) error {
	rows := make([][]string, 0, len(dets))
	for _, d := range dets {
		bbox, err := jsonCell(d.BBox.Values())
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			formatTime(d.WallTime),
			formatFloat(d.TimeSec),
			strconv.Itoa(d.FrameIndex),
			d.Class,
			formatFloat(d.Confidence),
			bbox,
		})
	}
	return writeCSV(path, detectionHeader, rows)
}

// WriteEvents writes one row per event. List-valued columns are JSON arrays.
func WriteEvents(path string, events []pipeline.ViolationEvent) error {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		classes, err := jsonCell(e.Classes)
		if err != nil {
			return err
		}
		confs, err := jsonCell(e.Confidences)
		if err != nil {
			return err
		}
		bbox, err := jsonCell(e.BBox.Values())
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			strconv.Itoa(e.ID),
			classes,
			confs,
			formatFloat(e.TimeSec),
			strconv.Itoa(e.FrameIndex),
			formatTime(e.WallTimeFirst),
			bbox,
			e.ClipPath,
			strconv.FormatBool(e.Saved()),
			e.Status.String(),
		})
	}
	return writeCSV(path, eventHeader, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func jsonCell(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
