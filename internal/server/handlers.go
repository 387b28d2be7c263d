package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/memento-ai/memento-core/internal/embeddings"
	"github.com/memento-ai/memento-core/internal/vector"
)

type embedRequest struct {
	Text *string `json:"text" validate:"required,max=100000"`
}

type embedBatchRequest struct {
	Texts []string `json:"texts" validate:"required,dive,max=100000"`
}

type loadRequest struct {
	Path string `json:"path" validate:"omitempty,max=4096"`
}

type searchRequest struct {
	Text          string  `json:"text" validate:"required,max=100000"`
	Limit         int     `json:"limit" validate:"omitempty,min=1,max=100"`
	MinSimilarity float32 `json:"min_similarity" validate:"gte=-1,lte=1"`
	Collection    string  `json:"collection" validate:"omitempty,max=128"`
}

type documentsRequest struct {
	Collection string   `json:"collection" validate:"omitempty,max=128"`
	Texts      []string `json:"texts" validate:"required,min=1,dive,required,max=100000"`
}

type embedResponse struct {
	Embedding  embeddings.EmbeddingVector `json:"embedding"`
	Dimensions int                        `json:"dimensions"`
	Model      string                     `json:"model"`
}

type embedBatchResponse struct {
	Embeddings []embeddings.EmbeddingVector `json:"embeddings"`
	Count      int                          `json:"count"`
	Dimensions int                          `json:"dimensions"`
	Model      string                       `json:"model"`
}

type searchHit struct {
	ID         int64   `json:"id"`
	Collection string  `json:"collection"`
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

type healthResponse struct {
	Status    string                     `json:"status"`
	Timestamp string                     `json:"timestamp"`
	Uptime    string                     `json:"uptime"`
	Model     embeddings.ModelDescriptor `json:"model"`
	Clients   int                        `json:"websocket_clients,omitempty"`
}

// handleHealth reports liveness and model state. A failed model is 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.service.ModelInfo()
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Model:     info,
	}
	if s.hub != nil {
		resp.Clients = s.hub.ActiveConnections()
	}

	status := http.StatusOK
	switch info.Status {
	case embeddings.StateFailed.String():
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case embeddings.StateLoading.String(), embeddings.StateUnloaded.String():
		resp.Status = "starting"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ModelInfo())
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	info, err := s.service.Load(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithRequestID(requestID(r.Context())).Info("Model loaded via API",
		zap.String("model_path", info.ModelPath),
		zap.Duration("load_duration", info.LoadDuration))
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	vec, err := s.service.Embed(r.Context(), *req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embedResponse{
		Embedding:  vec,
		Dimensions: len(vec),
		Model:      s.service.ModelInfo().Name,
	})
}

func (s *Server) handleEmbedBatch(w http.ResponseWriter, r *http.Request) {
	var req embedBatchRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if len(req.Texts) > s.config.Server.MaxBatchSize {
		s.writeError(w, r, fmt.Errorf("%w: batch of %d exceeds limit %d",
			embeddings.ErrInvalidInput, len(req.Texts), s.config.Server.MaxBatchSize))
		return
	}

	vectors, err := s.service.EmbedBatch(r.Context(), req.Texts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embedBatchResponse{
		Embeddings: vectors,
		Count:      len(vectors),
		Dimensions: embeddings.EmbeddingDimensions,
		Model:      s.service.ModelInfo().Name,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	vec, err := s.service.Embed(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	options := vector.DefaultSearchOptions()
	if req.Limit > 0 {
		options.Limit = req.Limit
	}
	if req.MinSimilarity != 0 {
		options.MinSimilarity = req.MinSimilarity
	}
	options.Collection = req.Collection

	results, err := s.store.FindSimilar(r.Context(), vec, options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ID:         res.Record.ID,
			Collection: res.Record.Collection,
			Text:       res.Record.Text,
			Similarity: res.Similarity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": hits,
		"count":   len(hits),
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentsRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if len(req.Texts) > s.config.Server.MaxBatchSize {
		s.writeError(w, r, fmt.Errorf("%w: batch of %d exceeds limit %d",
			embeddings.ErrInvalidInput, len(req.Texts), s.config.Server.MaxBatchSize))
		return
	}

	vectors, err := s.service.EmbedBatch(r.Context(), req.Texts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	collection := req.Collection
	if collection == "" {
		collection = s.config.Store.Collection
	}
	records := make([]*vector.Record, len(req.Texts))
	for i, text := range req.Texts {
		records[i] = &vector.Record{
			Collection: collection,
			Text:       text,
			TextHash:   vector.TextHash(text),
			Embedding:  pgvector.NewVector(vectors[i]),
		}
	}

	result, err := s.store.BatchInsert(r.Context(), records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a size-limited JSON body into dst and validates it. An empty
// body is accepted only when allowEmpty is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			s.writeError(w, r, fmt.Errorf("%w: malformed request body: %w", embeddings.ErrInvalidInput, err))
			return false
		}
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.writeError(w, r, fmt.Errorf("%w: %s", embeddings.ErrInvalidInput, describeValidation(verrs)))
			return false
		}
		s.writeError(w, r, fmt.Errorf("%w: %w", embeddings.ErrInvalidInput, err))
		return false
	}
	return true
}

func describeValidation(verrs validator.ValidationErrors) string {
	first := verrs[0]
	if first.Param() != "" {
		return fmt.Sprintf("field %s failed %s=%s", first.Field(), first.Tag(), first.Param())
	}
	return fmt.Sprintf("field %s failed %s", first.Field(), first.Tag())
}
