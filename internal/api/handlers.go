package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/database"
	"shiftwatch/internal/engine"
	"shiftwatch/internal/pipeline"
	"shiftwatch/internal/task"
)

const (
	maxUploadMemory   = 32 << 20
	defaultEventLimit = 50
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respond(r.Context(), w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  s.tasks.Len(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.authn == nil || !s.authn.IsEnabled() {
		s.fail(ctx, w, http.StatusUnauthorized, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid login payload")
		return
	}

	token, expiresAt, err := s.authn.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.fail(ctx, w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		s.fail(ctx, w, http.StatusUnauthorized, err.Error())
		return
	}
	s.respond(ctx, w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type uploadResponse struct {
	VideoID  string `json:"video_id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

func (s *Server) uploadVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		s.fail(ctx, w, http.StatusBadRequest, "invalid file name")
		return
	}

	id := uuid.NewString()
	stored := id + "_" + name
	path := filepath.Join(s.cfg.UploadDir, stored)

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, fmt.Sprintf("failed to create upload directory: %v", err))
		return
	}
	out, err := os.Create(path)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, fmt.Sprintf("failed to store upload: %v", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		s.fail(ctx, w, http.StatusInternalServerError, fmt.Sprintf("failed to store upload: %v", err))
		return
	}
	if err := out.Close(); err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, fmt.Sprintf("failed to store upload: %v", err))
		return
	}

	s.logger.Info("video uploaded", zap.String("video_id", id), zap.String("path", path))
	s.respond(ctx, w, http.StatusOK, uploadResponse{VideoID: id, Filename: stored, Path: path})
}

// startRequest names the video one of three ways; the remaining fields
// override configured settings for this run
type startRequest struct {
	VideoFilename string `json:"video_filename,omitempty"`
	VideoID       string `json:"video_id,omitempty"`
	VideoPath     string `json:"video_path,omitempty"`
	engine.Overrides
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid start payload")
		return
	}

	videoPath, err := s.resolveVideo(req)
	if err != nil {
		s.fail(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	ov := req.Overrides
	t, err := s.tasks.Submit(videoPath, func(ctx context.Context, t task.Task, progress func(int)) (*pipeline.Report, error) {
		return s.runner.Run(ctx, t.VideoPath, t.OutDir, t.ID, ov, progress)
	})
	if err != nil {
		if errors.Is(err, task.ErrClosed) {
			s.fail(ctx, w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.fail(ctx, w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(ctx, w, http.StatusOK, t)
}

// resolveVideo maps the start request to an existing file
func (s *Server) resolveVideo(req startRequest) (string, error) {
	var path string
	switch {
	case req.VideoPath != "":
		path = req.VideoPath
	case req.VideoFilename != "":
		path = filepath.Join(s.cfg.UploadDir, filepath.Base(req.VideoFilename))
	case req.VideoID != "":
		if _, err := uuid.Parse(req.VideoID); err != nil {
			return "", fmt.Errorf("invalid video_id %q", req.VideoID)
		}
		matches, _ := filepath.Glob(filepath.Join(s.cfg.UploadDir, req.VideoID+"_*"))
		if len(matches) == 0 {
			return "", fmt.Errorf("video %s not found", req.VideoID)
		}
		path = matches[0]
	default:
		return "", errors.New("one of video_filename, video_id or video_path is required")
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("video not found: %s", path)
	}
	return path, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	s.respond(ctx, w, http.StatusOK, t)
}

type clipEntry struct {
	Name    string `json:"name"`
	ClipURL string `json:"clip_url,omitempty"`
}

func (s *Server) listClips(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	clips := []clipEntry{}
	err := filepath.WalkDir(t.OutDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		clips = append(clips, clipEntry{Name: d.Name(), ClipURL: s.staticURL(path)})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.fail(ctx, w, http.StatusInternalServerError, fmt.Sprintf("failed to list clips: %v", err))
		return
	}

	sort.Slice(clips, func(i, j int) bool { return clips[i].Name < clips[j].Name })
	s.respond(ctx, w, http.StatusOK, clips)
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (task.Task, bool) {
	ctx := r.Context()
	id := s.vars(r)["task_id"]

	t, err := s.tasks.Get(id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.fail(ctx, w, http.StatusNotFound, "task not found")
			return task.Task{}, false
		}
		s.fail(ctx, w, http.StatusInternalServerError, err.Error())
		return task.Task{}, false
	}
	return t, true
}

// staticURL maps a file under the output directory to its /static URL
func (s *Server) staticURL(path string) string {
	rel, err := filepath.Rel(s.cfg.OutputDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/static/" + filepath.ToSlash(rel)
}

// eventView is the API representation of a ledger row
type eventView struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	EventID       int       `json:"event_id"`
	Classes       []string  `json:"class_names"`
	Confidences   []float64 `json:"confs"`
	BBox          []int     `json:"bbox"`
	FrameIndex    int       `json:"frame_idx"`
	TimeSec       float64   `json:"time_s"`
	WallTimeFirst time.Time `json:"wall_time_first"`
	Status        string    `json:"status"`
	LastUpdate    string    `json:"last_update"`
	ClipPath      string    `json:"clip_path,omitempty"`
	ClipURL       string    `json:"clip_url,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) toView(e *database.EventRecord) eventView {
	v := eventView{
		ID:            e.ID,
		TaskID:        e.TaskID,
		EventID:       e.EventID,
		Classes:       e.Classes,
		Confidences:   e.Confidences,
		BBox:          e.BBox.Values(),
		FrameIndex:    e.FrameIndex,
		TimeSec:       e.TimeSec,
		WallTimeFirst: e.WallTimeFirst,
		Status:        e.Status,
		LastUpdate:    e.LastUpdate,
		ClipPath:      e.ClipPath,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.ClipPath != "" {
		v.ClipURL = fmt.Sprintf("/events/%d/clip", e.ID)
	}
	return v
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.fail(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.events.ListEvents(r.URL.Query().Get("task_id"), limit)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]eventView, 0, len(records))
	for _, e := range records {
		views = append(views, s.toView(e))
	}
	s.respond(ctx, w, http.StatusOK, views)
}

func (s *Server) lookupEvent(w http.ResponseWriter, r *http.Request) (*database.EventRecord, bool) {
	ctx := r.Context()
	id, err := strconv.ParseInt(s.vars(r)["id"], 10, 64)
	if err != nil {
		s.fail(ctx, w, http.StatusBadRequest, "invalid event id")
		return nil, false
	}

	e, err := s.events.GetEvent(id)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if e == nil {
		s.fail(ctx, w, http.StatusNotFound, "event not found")
		return nil, false
	}
	return e, true
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	s.respond(r.Context(), w, http.StatusOK, s.toView(e))
}

func (s *Server) eventClip(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	if e.ClipPath == "" {
		s.fail(ctx, w, http.StatusNotFound, "event has no clip")
		return
	}

	f, err := os.Open(e.ClipPath)
	if err != nil {
		s.fail(ctx, w, http.StatusNotFound, "clip file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, filepath.Base(e.ClipPath), info.ModTime(), f)
}
