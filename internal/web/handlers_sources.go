package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/sourcehub/internal/connector"
	"github.com/JonMunkholm/sourcehub/internal/core"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxMultipartMemory is how much of a multipart form is held in memory;
// the rest spills to temporary files.
const maxMultipartMemory = 32 << 20

type ingestResponse struct {
	Message      string    `json:"message"`
	DataSourceID uuid.UUID `json:"dataSourceId"`
	RowsSaved    int       `json:"rowsSaved"`
	Columns      []string  `json:"columns"`
}

type manualRequest struct {
	Name string          `json:"name"`
	Rows json.RawMessage `json:"rows"`
}

type metricsRequest struct {
	Name       string   `json:"name"`
	PropertyID string   `json:"propertyId"`
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions"`
}

// pathID parses the {id} URL parameter. A malformed id cannot name any
// entity, so it is reported as not found.
func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.ErrNotFound.WithMessage("no entity with id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// parseIntParam parses a non-negative integer query parameter with a
// default value.
func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return 0, domain.Validation("%s must be a non-negative integer", name)
	}
	return i, nil
}

// handleListSources handles GET /api/datasource?search=.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	sources, err := s.deps.Sources.List(r.Context(), p.ID, r.URL.Query().Get("search"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"sources": sources})
}

// handleGetSource handles GET /api/datasource/{id}.
func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ds, err := s.deps.Sources.Get(r.Context(), p.ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"source": ds})
}

// handleListRecords handles GET /api/datasource/{id}/records?limit&offset.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := parseIntParam(r, "limit", core.DefaultRecordLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	offset, err := parseIntParam(r, "offset", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	page, err := s.deps.Sources.Records(r.Context(), p.ID, id, limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, page)
}

// handleGetRecord handles GET /api/rawdata/{id}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	rec, err := s.deps.Sources.Record(r.Context(), p.ID, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"record": rec})
}

// handleDeleteSource handles DELETE /api/datasource/{id}. Records go with
// the source.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.deps.Sources.Delete(r.Context(), p.ID, id); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"message": "Data source deleted.", "dataSourceId": id})
}

// handleUpload handles POST /api/datasource/upload. The file is staged in
// blob storage before parsing; the coordinator removes it afterwards.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if s.deps.Stager == nil {
		s.respondError(w, r, domain.Validation("file uploads are not enabled"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, domain.Validation("file exceeds the %d byte limit", s.opts.MaxFileSize))
			return
		}
		s.respondError(w, r, domain.Validation("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, domain.Validation("no file provided"))
		return
	}
	defer file.Close()

	kind, err := connector.KindFromUpload(r.FormValue("type"), header.Filename)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	staged, err := s.deps.Stager.Stage(r.Context(), file, header.Size)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.ingest(w, r, core.IngestRequest{
		PrincipalID: p.ID,
		Kind:        kind,
		Name:        r.FormValue("name"),
		Upload: &domain.UploadDescriptor{
			FileName:    header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			StoragePath: staged.Key,
		},
	})
}

// handleManual handles POST /api/datasource/manual.
func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req manualRequest
	if err := decodeJSONLimit(w, r, &req, s.opts.MaxManualBytes); err != nil {
		s.respondError(w, r, err)
		return
	}

	ingest := core.IngestRequest{
		PrincipalID: p.ID,
		Kind:        domain.KindManual,
		Name:        req.Name,
	}
	if len(req.Rows) > 0 {
		ingest.Body = bytes.NewReader(req.Rows)
	}
	s.ingest(w, r, ingest)
}

// handleConnectMetrics handles POST /api/datasource/connect/metrics.
func (s *Server) handleConnectMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	var req metricsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	cfg := domain.SourceConfig{
		Kind: domain.KindRemoteMetrics,
		Metrics: &domain.MetricsConfig{
			PropertyID: req.PropertyID,
			StartDate:  req.StartDate,
			EndDate:    req.EndDate,
			Metrics:    req.Metrics,
			Dimensions: req.Dimensions,
		},
	}
	s.ingest(w, r, core.IngestRequest{
		PrincipalID: p.ID,
		Kind:        domain.KindRemoteMetrics,
		Name:        req.Name,
		Config:      &cfg,
	})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, req core.IngestRequest) {
	res, err := s.deps.Ingester.Ingest(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	cols := res.Columns
	if cols == nil {
		cols = []string{}
	}
	writeJSONStatus(w, http.StatusCreated, ingestResponse{
		Message:      "Data source created.",
		DataSourceID: res.DataSourceID,
		RowsSaved:    res.RowsSaved,
		Columns:      cols,
	})
}
