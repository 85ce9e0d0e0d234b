package vectorstore

// Index and search constants for the HNSW vector index.
const (
	EmbeddingField = "embedding"
	MetricType     = "COSINE"

	IndexM              = 8
	IndexEfConstruction = 64
	SearchEf            = 64
	ShardsNum           = 2
)

// Match types for semantic verification, ordered by closeness.
const (
	MatchExact            = "exact"
	MatchExactSemantic    = "exact_semantic"
	MatchHighSimilarity   = "high_similarity"
	MatchMediumSimilarity = "medium_similarity"
	MatchLowSimilarity    = "low_similarity"
)

// knowledgeHubDefaultOutFields is appended to requested output fields
// for knowledge hub collections so search results carry their chunk
// provenance and extracted metadata.
var knowledgeHubDefaultOutFields = []string{
	"documentId",
	"collectionId",
	"chunkId",
	"chunkIndex",
	"fileName",
	"pageNumbers",
	"title",
	"author",
	"subject",
	"language",
	"teamId",
	"tokenCount",
	"qualityScore",
	"startPosition",
	"endPosition",
	"createdAt",
	"metadataOnly",
	"documentType",
	"mimeType",
	"collectionType",
}

// ExtractedMetadata is document-level metadata produced by the
// upstream extraction stage.
type ExtractedMetadata struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Category string `json:"category,omitempty"`
	Keywords string `json:"keywords,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Producer string `json:"producer,omitempty"`
}

// SearchResult is one ranked hit from a semantic query. Distance is the
// raw metric score from the store.
type SearchResult struct {
	ID       int64          `json:"id"`
	Text     string         `json:"text"`
	Distance float32        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VerifyResult is the uniform response shape for semantic lookups.
// Found=false is a result, never an error.
type VerifyResult struct {
	Found      bool           `json:"found"`
	ID         int64          `json:"id,omitempty"`
	Text       string         `json:"text,omitempty"`
	Distance   float32        `json:"distance,omitempty"`
	MatchType  string         `json:"match_type,omitempty"`
	SearchText string         `json:"search_text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CollectionDetails describes one collection for listing.
type CollectionDetails struct {
	Name            string            `json:"name"`
	TeamID          string            `json:"teamId"`
	CollectionType  string            `json:"collectionType"`
	Description     string            `json:"description,omitempty"`
	VectorField     string            `json:"vectorField"`
	VectorDimension int               `json:"vectorDimension"`
	RowCount        string            `json:"rowCount"`
	Properties      map[string]string `json:"properties,omitempty"`
	NameLocked      bool              `json:"nameLocked"`
}

// classifyDistance maps a metric score to a semantic match type.
func classifyDistance(distance float32) string {
	switch {
	case distance < 0.1:
		return MatchExactSemantic
	case distance < 0.3:
		return MatchHighSimilarity
	case distance < 0.5:
		return MatchMediumSimilarity
	default:
		return MatchLowSimilarity
	}
}
