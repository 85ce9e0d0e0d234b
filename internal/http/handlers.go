package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/ingest"
	"github.com/fyrsmithlabs/vectord/internal/milvus"
	"github.com/fyrsmithlabs/vectord/internal/schema"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

// TeamIDHeader carries the caller's team scope; the teamId query
// parameter is the fallback.
const TeamIDHeader = "X-Team-Id"

// FieldSpec is one collection field in a create request.
type FieldSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	PrimaryKey  bool   `json:"primaryKey,omitempty"`
	AutoID      bool   `json:"autoId,omitempty"`
	Dimension   int    `json:"dimension,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreateCollectionRequest is the body for POST /api/v1/collections.
type CreateCollectionRequest struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	CollectionType string            `json:"collectionType,omitempty"`
	Fields         []FieldSpec       `json:"fields"`
	Properties     map[string]string `json:"properties,omitempty"`
}

func (s *Server) handleCreateCollection(c echo.Context) error {
	var req CreateCollectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name field is required")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}

	fields := make([]milvus.FieldSchema, 0, len(req.Fields))
	for _, f := range req.Fields {
		dataType, ok := milvus.ParseDataType(f.Type)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown field type "+f.Type)
		}
		fields = append(fields, milvus.FieldSchema{
			Name:         f.Name,
			DataType:     dataType,
			IsPrimaryKey: f.PrimaryKey,
			AutoID:       f.AutoID,
			Dimension:    f.Dimension,
			MaxLength:    f.MaxLength,
			Description:  f.Description,
		})
	}

	if err := s.engine.CreateCollection(c.Request().Context(), vectorstore.CreateCollectionRequest{
		Name:           req.Name,
		Fields:         fields,
		Description:    req.Description,
		TeamID:         teamID,
		CollectionType: req.CollectionType,
		Properties:     req.Properties,
	}); err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleListCollections(c echo.Context) error {
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}
	details, err := s.engine.ListCollections(c.Request().Context(), teamID, c.QueryParam("type"))
	if err != nil {
		return s.mapError(err)
	}
	if details == nil {
		details = []vectorstore.CollectionDetails{}
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) handleVerifyCollection(c echo.Context) error {
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}
	details, err := s.engine.VerifyCollection(c.Request().Context(), c.Param("name"), teamID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) handleUpdateMetadata(c echo.Context) error {
	var metadata map[string]string
	if err := c.Bind(&metadata); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(metadata) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "metadata body is required")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}
	if err := s.engine.UpdateCollectionMetadata(c.Request().Context(), c.Param("name"), teamID, metadata); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteCollection(c echo.Context) error {
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}
	if err := s.engine.DeleteCollection(c.Request().Context(), c.Param("name"), teamID); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StoreRecordRequest is the body for POST /collections/:name/records.
type StoreRecordRequest struct {
	Record        map[string]any `json:"record"`
	TextField     string         `json:"textField,omitempty"`
	ModelCategory string         `json:"modelCategory,omitempty"`
	ModelName     string         `json:"modelName,omitempty"`
	Embedding     []float32      `json:"embedding,omitempty"`
}

func (s *Server) handleStoreRecord(c echo.Context) error {
	var req StoreRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}

	id, err := s.engine.StoreRecord(c.Request().Context(), vectorstore.StoreRecordRequest{
		Collection:    c.Param("name"),
		Record:        req.Record,
		TeamID:        teamID,
		TextField:     req.TextField,
		ModelCategory: req.ModelCategory,
		ModelName:     req.ModelName,
		Embedding:     req.Embedding,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

// SearchRequest is the body for POST /collections/:name/search.
type SearchRequest struct {
	Vector       []float32 `json:"vector"`
	TopK         int       `json:"topK,omitempty"`
	OutputFields []string  `json:"outputFields,omitempty"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Vector) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vector field is required")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}

	results, err := s.engine.Query(c.Request().Context(), vectorstore.QueryRequest{
		Collection:   c.Param("name"),
		Vector:       req.Vector,
		TopK:         req.TopK,
		OutputFields: req.OutputFields,
		TeamID:       teamID,
	})
	if err != nil {
		return s.mapError(err)
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return c.JSON(http.StatusOK, results)
}

// VerifyRecordRequest is the body for POST /collections/:name/verify.
type VerifyRecordRequest struct {
	Text          string            `json:"text"`
	Filters       map[string]string `json:"filters,omitempty"`
	ModelCategory string            `json:"modelCategory,omitempty"`
	ModelName     string            `json:"modelName,omitempty"`
}

func (s *Server) handleVerifyRecord(c echo.Context) error {
	var req VerifyRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text field is required")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}

	result, err := s.engine.VerifyRecord(c.Request().Context(), vectorstore.VerifyRequest{
		Collection:    c.Param("name"),
		Text:          req.Text,
		TeamID:        teamID,
		Filters:       req.Filters,
		ModelCategory: req.ModelCategory,
		ModelName:     req.ModelName,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}
	count, err := s.engine.DeleteDocumentEmbeddings(c.Request().Context(),
		c.Param("name"), c.Param("documentId"), teamID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": count})
}

// EmbedDocumentRequest is the body for POST /documents/:documentId/embed.
type EmbedDocumentRequest struct {
	Collection    string `json:"collection"`
	ModelCategory string `json:"modelCategory,omitempty"`
	ModelName     string `json:"modelName,omitempty"`
}

func (s *Server) handleEmbedDocument(c echo.Context) error {
	if s.ingestor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "ingestion is not configured")
	}
	var req EmbedDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Collection == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "collection field is required")
	}
	teamID, err := s.teamID(c)
	if err != nil {
		return err
	}

	result, err := s.ingestor.EmbedDocument(c.Request().Context(), ingest.EmbedRequest{
		DocumentID:    c.Param("documentId"),
		Collection:    req.Collection,
		TeamID:        teamID,
		ModelCategory: req.ModelCategory,
		ModelName:     req.ModelName,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) teamID(c echo.Context) (string, error) {
	if teamID := c.Request().Header.Get(TeamIDHeader); teamID != "" {
		return teamID, nil
	}
	if teamID := c.QueryParam("teamId"); teamID != "" {
		return teamID, nil
	}
	return "", echo.NewHTTPError(http.StatusBadRequest, "team id is required")
}

// mapError translates the engine's sentinel errors onto HTTP statuses.
func (s *Server) mapError(err error) error {
	var status int
	switch {
	case errors.Is(err, vectorstore.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, vectorstore.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, vectorstore.ErrConflict), errors.Is(err, ingest.ErrState):
		status = http.StatusConflict
	case errors.Is(err, schema.ErrSchema), errors.Is(err, ingest.ErrNotFound):
		status = http.StatusNotFound
	case embeddings.IsRateLimited(err):
		status = http.StatusTooManyRequests
	default:
		s.logger.Error("request failed", zap.Error(err))
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, err.Error())
}
