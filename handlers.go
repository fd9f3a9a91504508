package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/manuroe/gagne-ton-papa/config"
	"github.com/manuroe/gagne-ton-papa/detections"
	"github.com/manuroe/gagne-ton-papa/frames"
	"github.com/manuroe/gagne-ton-papa/inference"
	"github.com/manuroe/gagne-ton-papa/metrics"
	"github.com/manuroe/gagne-ton-papa/models"
	"github.com/manuroe/gagne-ton-papa/pieces"
	"github.com/manuroe/gagne-ton-papa/session"
)

const maxUploadBytes = 10 << 20

type server struct {
	cfg      *config.Config
	pool     *EnginePool
	sessions *sessionManager
	prep     *detections.Preprocessor
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func newServer(cfg *config.Config, pool *EnginePool, sessions *sessionManager, m *metrics.Metrics, logger *zap.SugaredLogger) *server {
	return &server{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		prep:     newPreprocessor(cfg),
		metrics:  m,
		logger:   logger,
	}
}

// cycle builds a one-shot detection cycle on the server's shared preprocessor.
func (s *server) cycle(engine inference.Engine) *detections.Cycle {
	return newCycle(s.cfg, engine, s.prep, s.logger, s.metrics)
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type DetectedPiece struct {
	models.Detection
	Name string `json:"name"`
}

type DetectResponse struct {
	Count      int              `json:"count"`
	PieceIDs   []int            `json:"piece_ids"`
	Detections []DetectedPiece  `json:"detections"`
	Layout     string           `json:"layout"`
	Letterbox  models.Letterbox `json:"letterbox"`
	Message    string           `json:"message"`
}

type SessionResponse struct {
	session.Status
	Message string `json:"message,omitempty"`
}

type OverlayResponse struct {
	Token      uint64                `json:"token"`
	Detections []session.OverlayItem `json:"detections"`
	Message    string                `json:"message"`
}

type ToggleResponse struct {
	PieceID   int   `json:"piece_id"`
	Confirmed bool  `json:"confirmed"`
	Selection []int `json:"selection"`
}

type SelectionResponse struct {
	PieceIDs     []int  `json:"piece_ids"`
	MissingCells int    `json:"missing_cells"`
	Message      string `json:"message"`
}

type PieceInfo struct {
	pieces.Piece
	ClassIndex *int `json:"class_index,omitempty"`
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/detect", s.handleDetect).Methods("POST")

	r.HandleFunc("/session", s.handleSessionStatus).Methods("GET")
	r.HandleFunc("/session", s.handleSessionRestart).Methods("POST")
	r.HandleFunc("/session/detections", s.handleOverlay).Methods("GET")
	r.HandleFunc("/session/pieces/{pieceId:[0-9]+}/toggle", s.handleToggle).Methods("POST")
	r.HandleFunc("/session/confirm-all", s.handleConfirmAll).Methods("POST")
	r.HandleFunc("/session/confirm", s.handleConfirm).Methods("POST")
	r.HandleFunc("/session/cancel", s.handleCancel).Methods("POST")

	r.HandleFunc("/pieces", s.handlePieces).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

func (s *server) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route template.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveRequest(route, rec.status)
	})
}

func (s *server) handleDetect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.NewString()

	imgBytes, err := readImageBody(w, r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := decodeImage(imgBytes)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}

	if s.pool == nil {
		sendErrorResponse(w, "model_unavailable", MsgModelUnavailable, http.StatusServiceUnavailable)
		return
	}
	engine, err := s.pool.Acquire(ctx)
	if err != nil {
		sendErrorResponse(w, "engine_unavailable", err.Error(), http.StatusServiceUnavailable)
		return
	}

	res, err := detections.ProcessImage(ctx, img, s.cycle(engine), requestID)
	if err != nil && errors.Is(err, inference.ErrModelUnavailable) {
		s.pool.Discard(engine, err)
	} else {
		s.pool.Release(engine)
	}
	if err != nil {
		s.logger.Warnw("one-shot detection failed", "request", requestID, "error", err)
		code, status := processingStatus(err)
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	items := lo.Map(res.Detections, func(d models.Detection, _ int) DetectedPiece {
		return DetectedPiece{Detection: d, Name: pieces.ClassName(d.ClassID)}
	})
	ids := lo.Uniq(lo.Map(res.Detections, func(d models.Detection, _ int) int { return d.PieceID }))
	sendJSON(w, http.StatusOK, DetectResponse{
		Count:      len(items),
		PieceIDs:   ids,
		Detections: items,
		Layout:     res.Layout.String(),
		Letterbox:  res.Letterbox,
		Message:    detectionMessage(len(items)),
	})
}

// processingStatus maps a cycle failure to an error code and HTTP status.
func processingStatus(err error) (string, int) {
	switch {
	case errors.Is(err, frames.ErrInvalidFrame):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, inference.ErrModelUnavailable):
		return "model_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, detections.ErrUnknownOutputLayout):
		return "unknown_output_layout", http.StatusBadGateway
	}
	return "processing_error", http.StatusInternalServerError
}

// current returns the live session or writes a 404.
func (s *server) current(w http.ResponseWriter) *session.Session {
	sess := s.sessions.Current()
	if sess == nil {
		sendErrorResponse(w, "no_session", "no detection session", http.StatusNotFound)
	}
	return sess
}

func sessionResponse(sess *session.Session) SessionResponse {
	st := sess.Status()
	resp := SessionResponse{Status: st}
	switch {
	case st.ErrorKind != "":
		resp.Message = terminalMessage(st.ErrorKind)
	case st.State == session.Detecting.String():
		resp.Message = selectionMessage(st.Confirmed)
	}
	return resp
}

func (s *server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	sendJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *server) handleSessionRestart(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Restart()
	if sess == nil {
		sendErrorResponse(w, "shutting_down", "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	sendJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *server) handleOverlay(w http.ResponseWriter, _ *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	overlay := sess.Overlay()
	sendJSON(w, http.StatusOK, OverlayResponse{
		Token:      sess.Token(),
		Detections: overlay,
		Message:    detectionMessage(len(overlay)),
	})
}

func (s *server) handleToggle(w http.ResponseWriter, r *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	id, err := strconv.Atoi(mux.Vars(r)["pieceId"])
	if err != nil {
		sendErrorResponse(w, "invalid_request", "piece id must be an integer", http.StatusBadRequest)
		return
	}

	on, err := sess.Toggle(id)
	if err != nil {
		sendSessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, ToggleResponse{PieceID: id, Confirmed: on, Selection: sess.Confirmed()})
}

func (s *server) handleConfirmAll(w http.ResponseWriter, _ *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	ids, err := sess.ConfirmAllDetected()
	if err != nil {
		sendSessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, selection(ids))
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	ids, err := sess.Confirm(r.Context())
	if err != nil {
		sendSessionError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, selection(ids))
}

func (s *server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	sess := s.current(w)
	if sess == nil {
		return
	}
	sess.Cancel()
	sendJSON(w, http.StatusOK, sessionResponse(sess))
}

func selection(ids []int) SelectionResponse {
	return SelectionResponse{
		PieceIDs:     ids,
		MissingCells: pieces.MissingCells(ids),
		Message:      selectionMessage(ids),
	}
}

func sendSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownPiece):
		sendErrorResponse(w, "unknown_piece", err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrNothingConfirmed):
		sendErrorResponse(w, "nothing_confirmed", MsgNothingConfirmed, http.StatusBadRequest)
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrClosed):
		sendErrorResponse(w, "session_closed", err.Error(), http.StatusConflict)
	default:
		sendErrorResponse(w, session.KindSolver, MsgSolverFailed, http.StatusBadGateway, err.Error())
	}
}

func (s *server) handlePieces(w http.ResponseWriter, _ *http.Request) {
	classOf := make(map[int]int, pieces.NumClasses)
	for _, e := range pieces.ClassTable {
		if _, ok := classOf[e.PieceID]; !ok {
			classOf[e.PieceID] = e.ClassIndex
		}
	}
	sendJSON(w, http.StatusOK, lo.Map(pieces.Catalog, func(p pieces.Piece, _ int) PieceInfo {
		info := PieceInfo{Piece: p}
		if c, ok := classOf[p.ID]; ok {
			info.ClassIndex = &c
		}
		return info
	}))
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.pool != nil {
		resp["pool"] = s.pool.Stats()
	} else {
		resp["status"] = "degraded"
	}
	if sess := s.sessions.Current(); sess != nil {
		resp["session"] = sess.State().String()
	}
	sendJSON(w, http.StatusOK, resp)
}

// readImageBody accepts a base64 JSON body, a multipart "file" field or
// raw image bytes.
func readImageBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, errors.New("image is required")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int, details ...string) {
	resp := ErrorResponse{Code: code, Message: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	sendJSON(w, status, resp)
}
