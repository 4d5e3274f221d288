// Package httpapi exposes a detect.Orchestrator and an
// objectlibrary.Library over HTTP, adapted from the teacher's
// app/app_h.go/helpers.go handler set (HealthCheck, BuildHasherHandler,
// CheckBuildHandler, GetNeighborsHandler) onto this domain's
// object/vocabulary/detect operations. It is a thin adapter: no
// detection or matching logic lives here.
package httpapi

import (
	"encoding/json"
	"image"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/gasparian/find-object-go/common"
	"github.com/gasparian/find-object-go/detect"
	"github.com/gasparian/find-object-go/objectlibrary"
)

var helloMessage = mustMarshal(map[string]interface{}{
	"methods": map[string]interface{}{
		"GET": map[string]string{
			"/health":            "liveness check",
			"/vocabulary/status": "returns current vocabulary build status",
		},
		"POST": map[string]string{
			"/objects":           "adds an object image (multipart field \"image\") to the library",
			"/vocabulary/build":  "rebuilds the vocabulary asynchronously",
			"/detect":            "runs one scene image (multipart field \"image\") through the pipeline",
		},
		"DELETE": map[string]string{
			"/objects?id=": "removes one object from the library",
		},
	},
})

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Server wraps the orchestrator and library collaborators the handlers
// dispatch to.
type Server struct {
	library      *objectlibrary.Library
	orchestrator *detect.Orchestrator
	logger       *common.Logger

	mu          sync.Mutex
	buildStatus common.BuildStatus
	buildError  string
}

// New builds a Server. library and orchestrator must share the same
// vocabulary for /detect to see the effect of a /vocabulary/build call.
func New(library *objectlibrary.Library, orchestrator *detect.Orchestrator) *Server {
	return &Server{
		library:      library,
		orchestrator: orchestrator,
		logger:       common.GetNewLogger(),
		buildStatus:  common.BuildStatusUnknown,
	}
}

// Mux builds the http.Handler serving all routes, wrapped with the
// teacher's Decorate/Timer logging middleware.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	decorate := func(h http.HandlerFunc) http.Handler {
		return common.Decorate(h, common.Timer(s.logger))
	}
	mux.Handle("/health", decorate(s.HealthCheck))
	mux.Handle("/objects", decorate(s.ObjectsHandler))
	mux.Handle("/vocabulary/build", decorate(s.BuildVocabularyHandler))
	mux.Handle("/vocabulary/status", decorate(s.CheckBuildHandler))
	mux.Handle("/detect", decorate(s.DetectHandler))
	return mux
}

// HealthCheck reports liveness and the available method list.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(helloMessage)
}

func decodeMultipartImage(r *http.Request, field string) (image.Image, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", err
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, "", err
	}
	return img, header.Filename, nil
}

// ObjectsHandler adds (POST, multipart field "image", optional "id"
// form value) or removes (DELETE, "id" query param) a library object.
func (s *Server) ObjectsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		s.addObject(w, r)
	case http.MethodDelete:
		s.removeObject(w, r)
	default:
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte(http.StatusText(http.StatusNotImplemented)))
	}
}

func (s *Server) addObject(w http.ResponseWriter, r *http.Request) {
	img, filename, err := decodeMultipartImage(r, "image")
	if err != nil {
		s.logger.Err.Println("add object: " + err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := 0
	if raw := r.FormValue("id"); raw != "" {
		id, err = strconv.Atoi(raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	sig, collided, err := s.library.AddObject(img, id, filename)
	if err != nil {
		s.logger.Err.Println("add object: " + err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"id": sig.ID, "idReassigned": collided})
}

func (s *Server) removeObject(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Err.Println("remove object: object id must be specified")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.library.RemoveObject(id)
	w.WriteHeader(http.StatusOK)
}

// BuildVocabularyHandler rebuilds the vocabulary in the background and
// returns immediately, mirroring the teacher's BuildHasherHandler.
func (s *Server) BuildVocabularyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte(http.StatusText(http.StatusNotImplemented)))
		return
	}
	s.mu.Lock()
	if s.buildStatus == common.BuildStatusInProgress {
		s.mu.Unlock()
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.buildStatus = common.BuildStatusInProgress
	s.buildError = ""
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	go func() {
		err := s.library.UpdateObjects()
		if err == nil {
			err = s.library.UpdateVocabulary()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.buildStatus = common.BuildStatusError
			s.buildError = err.Error()
			s.logger.Err.Println("build vocabulary: " + err.Error())
			return
		}
		s.buildStatus = common.BuildStatusDone
	}()
}

// CheckBuildHandler reports the current build status, mirroring the
// teacher's CheckBuildHandler.
func (s *Server) CheckBuildHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	status, buildErr := s.buildStatus, s.buildError
	s.mu.Unlock()
	resp := map[string]interface{}{"status": int(status)}
	if buildErr != "" {
		resp["error"] = buildErr
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// HomographyResponse flattens a *mat.Dense homography into a plain
// JSON-serializable 3x3 array, since mat.Dense has no exported fields
// for encoding/json to walk.
type HomographyResponse struct {
	ObjectID  int           `json:"objectId"`
	Filename  string        `json:"filename"`
	H         [3][3]float64 `json:"h"`
	Corners   [4][2]float64 `json:"corners"`
	NInliers  int           `json:"nInliers"`
	NOutliers int           `json:"nOutliers"`
}

func flattenH(h *mat.Dense) [3][3]float64 {
	var out [3][3]float64
	if h == nil {
		return out
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = h.At(i, j)
		}
	}
	return out
}

// DetectionInfoResponse renders a DetectionInfo into a JSON-safe shape,
// flattening every *mat.Dense homography via HomographyResponse. Shared
// by the HTTP handler and the CLI so both surfaces serialize detections
// identically.
func DetectionInfoResponse(info *detect.DetectionInfo) map[string]interface{} {
	dets := make([]HomographyResponse, len(info.Detections))
	for i, d := range info.Detections {
		var corners [4][2]float64
		for j, c := range d.Corners {
			corners[j] = [2]float64{c.X, c.Y}
		}
		dets[i] = HomographyResponse{
			ObjectID:  d.ObjectID,
			Filename:  d.Filename,
			H:         flattenH(d.H),
			Corners:   corners,
			NInliers:  len(d.Inliers),
			NOutliers: len(d.Outliers),
		}
	}
	return map[string]interface{}{
		"matches":        info.Matches,
		"detections":     dets,
		"rejections":     info.Rejections,
		"minMatchedDist": info.MinMatchedDist,
		"maxMatchedDist": info.MaxMatchedDist,
		"timings": map[string]time.Duration{
			"extract": info.Timings.Extract,
			"match":   info.Timings.Match,
			"verify":  info.Timings.Verify,
			"total":   info.Timings.Total,
		},
	}
}

// DetectHandler runs one scene image through the orchestrator and
// returns the DetectionInfo as JSON, mirroring the teacher's
// GetNeighborsHandler shape.
func (s *Server) DetectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotImplemented)
		w.Write([]byte(http.StatusText(http.StatusNotImplemented)))
		return
	}
	img, _, err := decodeMultipartImage(r, "image")
	if err != nil {
		s.logger.Err.Println("detect: " + err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, err := s.orchestrator.Detect(img)
	if err != nil {
		s.logger.Err.Println("detect: " + err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(DetectionInfoResponse(info))
}
