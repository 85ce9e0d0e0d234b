package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCClient implements Client using the official Milvus Go SDK.
type GRPCClient struct {
	client mclient.Client
	config *ClientConfig
	logger *zap.Logger
}

// ClientConfig configures the Milvus gRPC client.
type ClientConfig struct {
	// Address is the Milvus gRPC endpoint, host:port.
	// Default: "localhost:19530"
	Address string

	// Database is the Milvus database name.
	// Default: "default"
	Database string

	// Username and Password are optional credentials.
	Username string
	Password string

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB (to handle large embedding batches)
	MaxMessageSize int

	// DialTimeout is the timeout for establishing the connection.
	// Default: 5 seconds
	DialTimeout time.Duration

	// RequestTimeout is the default timeout for individual requests.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// RetryAttempts is the number of retry attempts for transient failures.
	// Default: 3
	RetryAttempts int
}

// DefaultClientConfig returns sensible defaults for local development.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:        "localhost:19530",
		Database:       "default",
		MaxMessageSize: 50 * 1024 * 1024, // 50MB
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *ClientConfig) ApplyDefaults() {
	defaults := DefaultClientConfig()

	if c.Address == "" {
		c.Address = defaults.Address
	}
	if c.Database == "" {
		c.Database = defaults.Database
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	}
	return nil
}

// NewGRPCClient creates a new Milvus gRPC client and verifies the
// connection with a health check.
func NewGRPCClient(ctx context.Context, config *ClientConfig, logger *zap.Logger) (*GRPCClient, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	logger.Info("connecting to milvus",
		zap.String("address", config.Address),
		zap.String("database", config.Database),
	)

	client, err := mclient.NewClient(dialCtx, mclient.Config{
		Address:  config.Address,
		DBName:   config.Database,
		Username: config.Username,
		Password: config.Password,
		DialOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		logger.Error("milvus connection failed",
			zap.String("address", config.Address),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	grpcClient := &GRPCClient{
		client: client,
		config: config,
		logger: logger.Named("milvus"),
	}

	logger.Info("milvus connection established",
		zap.String("address", config.Address),
	)

	return grpcClient, nil
}

// Health verifies the Milvus connection.
func (c *GRPCClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if _, err := c.client.GetVersion(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// HasCollection checks if a collection exists.
func (c *GRPCClient) HasCollection(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var exists bool
	err := c.retryOperation(ctx, func() error {
		has, err := c.client.HasCollection(ctx, name)
		if err != nil {
			return err
		}
		exists = has
		return nil
	})
	return exists, err
}

// CreateCollection creates a collection from the schema and applies its
// properties.
func (c *GRPCClient) CreateCollection(ctx context.Context, schema CollectionSchema) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	entitySchema := entity.NewSchema().
		WithName(schema.Name).
		WithDescription(schema.Description)
	for _, f := range schema.Fields {
		entitySchema.WithField(toEntityField(f))
	}

	shards := schema.ShardNum
	if shards <= 0 {
		shards = 1
	}

	if err := c.retryOperation(ctx, func() error {
		return c.client.CreateCollection(ctx, entitySchema, shards)
	}); err != nil {
		return err
	}

	if len(schema.Properties) > 0 {
		return c.AlterCollectionProperties(ctx, schema.Name, schema.Properties)
	}
	return nil
}

// CreateIndex builds an HNSW index on the named vector field.
func (c *GRPCClient) CreateIndex(ctx context.Context, collection, field string, params IndexParams) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	idx, err := entity.NewIndexHNSW(toMetricType(params.MetricType), params.M, params.EfConstruction)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}

	return c.retryOperation(ctx, func() error {
		return c.client.CreateIndex(ctx, collection, field, idx, false)
	})
}

// LoadCollection loads a collection into query nodes, blocking until
// the load completes.
func (c *GRPCClient) LoadCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.LoadCollection(ctx, name, false)
	})
}

// DescribeCollection returns the schema and properties of a collection.
func (c *GRPCClient) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var info *CollectionInfo
	err := c.retryOperation(ctx, func() error {
		coll, err := c.client.DescribeCollection(ctx, name)
		if err != nil {
			return err
		}
		info = fromEntityCollection(coll)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetRowCount returns the persisted row count of a collection.
func (c *GRPCClient) GetRowCount(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var count int64
	err := c.retryOperation(ctx, func() error {
		stats, err := c.client.GetCollectionStatistics(ctx, name)
		if err != nil {
			return err
		}
		raw, ok := stats["row_count"]
		if !ok {
			return fmt.Errorf("collection statistics missing row_count")
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid row_count %q: %w", raw, err)
		}
		count = parsed
		return nil
	})
	return count, err
}

// ListCollections returns all collection names in the database.
func (c *GRPCClient) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var names []string
	err := c.retryOperation(ctx, func() error {
		colls, err := c.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		names = make([]string, 0, len(colls))
		for _, coll := range colls {
			names = append(names, coll.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// DropCollection drops a collection and all its rows.
func (c *GRPCClient) DropCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.DropCollection(ctx, name)
	})
}

// collectionProperty adapts an arbitrary key/value pair to the SDK's
// collection attribute interface.
type collectionProperty struct {
	key   string
	value string
}

func (p collectionProperty) KeyValue() (string, string) { return p.key, p.value }
func (p collectionProperty) Valid() error               { return nil }

// AlterCollectionProperties sets collection properties as key/value
// attributes.
func (c *GRPCClient) AlterCollectionProperties(ctx context.Context, name string, props map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	attrs := make([]entity.CollectionAttribute, 0, len(props))
	for k, v := range props {
		attrs = append(attrs, collectionProperty{key: k, value: v})
	}

	return c.retryOperation(ctx, func() error {
		return c.client.AlterCollection(ctx, name, attrs...)
	})
}

// Insert writes one batch of columns to a collection.
func (c *GRPCClient) Insert(ctx context.Context, collection string, columns []Column) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	entityColumns := make([]entity.Column, 0, len(columns))
	for _, col := range columns {
		converted, err := toEntityColumn(col)
		if err != nil {
			return err
		}
		entityColumns = append(entityColumns, converted)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.client.Insert(ctx, collection, "", entityColumns...)
		return err
	})
}

// Search performs a single-vector similarity search.
func (c *GRPCClient) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	ef := req.SearchEf
	if ef <= 0 {
		ef = 64
	}
	sp, err := entity.NewIndexHNSWSearchParam(ef)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []mclient.SearchResult
	err = c.retryOperation(ctx, func() error {
		res, err := c.client.Search(ctx,
			req.Collection,
			nil,
			req.Expr,
			req.OutputFields,
			[]entity.Vector{entity.FloatVector(req.Vector)},
			req.VectorField,
			toMetricType(req.MetricType),
			req.TopK,
			sp,
		)
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			hit := SearchHit{
				Score:  result.Scores[i],
				Fields: make(map[string]any, len(result.Fields)),
			}
			if result.IDs != nil {
				if raw, err := result.IDs.Get(i); err == nil {
					if id, ok := raw.(int64); ok {
						hit.ID = id
					}
				}
			}
			for _, col := range result.Fields {
				value, err := col.Get(i)
				if err != nil {
					continue
				}
				hit.Fields[col.Name()] = value
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// Query runs a scalar-filtered query and returns rows as field maps.
func (c *GRPCClient) Query(ctx context.Context, collection, expr string, outputFields []string, limit int) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var opts []mclient.SearchQueryOptionFunc
	if limit > 0 {
		opts = append(opts, mclient.WithLimit(int64(limit)))
	}

	var resultSet mclient.ResultSet
	err := c.retryOperation(ctx, func() error {
		rs, err := c.client.Query(ctx, collection, nil, expr, outputFields, opts...)
		if err != nil {
			return err
		}
		resultSet = rs
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resultSet) == 0 {
		return nil, nil
	}

	rowCount := resultSet[0].Len()
	rows := make([]map[string]any, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		row := make(map[string]any, len(resultSet))
		for _, col := range resultSet {
			value, err := col.Get(i)
			if err != nil {
				continue
			}
			row[col.Name()] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Delete removes rows matching the expression.
func (c *GRPCClient) Delete(ctx context.Context, collection, expr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.Delete(ctx, collection, "", expr)
	})
}

// Flush persists buffered inserts.
func (c *GRPCClient) Flush(ctx context.Context, collection string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		return c.client.Flush(ctx, collection, false)
	})
}

// Close closes the client connection.
func (c *GRPCClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (c *GRPCClient) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second
	startTime := time.Now()

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}

		lastErr = err

		if !isTransientError(err) {
			return err
		}

		if attempt == c.config.RetryAttempts {
			break
		}

		c.logger.Debug("retrying operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.config.RetryAttempts),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	c.logger.Warn("operation failed after all retries exhausted",
		zap.Int("total_attempts", c.config.RetryAttempts+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)

	return fmt.Errorf("operation failed after %d retries: %w", c.config.RetryAttempts, lastErr)
}

// isTransientError checks if an error is transient and should be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Helper conversion functions

func toEntityField(f FieldSchema) *entity.Field {
	field := entity.NewField().
		WithName(f.Name).
		WithDataType(toEntityFieldType(f.DataType)).
		WithIsPrimaryKey(f.IsPrimaryKey).
		WithIsAutoID(f.AutoID).
		WithDescription(f.Description)
	if f.DataType == DataTypeFloatVector {
		field.WithDim(int64(f.Dimension))
	}
	if f.DataType == DataTypeVarChar {
		field.WithMaxLength(int64(f.MaxLength))
	}
	return field
}

func toEntityFieldType(t DataType) entity.FieldType {
	switch t {
	case DataTypeBool:
		return entity.FieldTypeBool
	case DataTypeInt64:
		return entity.FieldTypeInt64
	case DataTypeFloat:
		return entity.FieldTypeFloat
	case DataTypeDouble:
		return entity.FieldTypeDouble
	case DataTypeVarChar:
		return entity.FieldTypeVarChar
	case DataTypeFloatVector:
		return entity.FieldTypeFloatVector
	default:
		return entity.FieldTypeNone
	}
}

func fromEntityFieldType(t entity.FieldType) (DataType, bool) {
	switch t {
	case entity.FieldTypeBool:
		return DataTypeBool, true
	case entity.FieldTypeInt64:
		return DataTypeInt64, true
	case entity.FieldTypeFloat:
		return DataTypeFloat, true
	case entity.FieldTypeDouble:
		return DataTypeDouble, true
	case entity.FieldTypeVarChar:
		return DataTypeVarChar, true
	case entity.FieldTypeFloatVector:
		return DataTypeFloatVector, true
	default:
		return 0, false
	}
}

func fromEntityCollection(coll *entity.Collection) *CollectionInfo {
	info := &CollectionInfo{
		Name:       coll.Name,
		Loaded:     coll.Loaded,
		ShardNum:   coll.ShardNum,
		Properties: coll.Properties,
	}
	if coll.Schema == nil {
		return info
	}

	info.Description = coll.Schema.Description
	for _, f := range coll.Schema.Fields {
		dataType, ok := fromEntityFieldType(f.DataType)
		if !ok {
			continue
		}
		field := FieldSchema{
			Name:         f.Name,
			DataType:     dataType,
			IsPrimaryKey: f.PrimaryKey,
			AutoID:       f.AutoID,
			Description:  f.Description,
		}
		if raw, ok := f.TypeParams["dim"]; ok {
			if dim, err := strconv.Atoi(raw); err == nil {
				field.Dimension = dim
			}
		}
		if raw, ok := f.TypeParams["max_length"]; ok {
			if maxLen, err := strconv.Atoi(raw); err == nil {
				field.MaxLength = maxLen
			}
		}
		info.Fields = append(info.Fields, field)
	}
	return info
}

func toEntityColumn(col Column) (entity.Column, error) {
	switch col.Type {
	case DataTypeBool:
		values, ok := col.Values.([]bool)
		if !ok {
			return nil, fmt.Errorf("column %s: expected []bool, got %T", col.Name, col.Values)
		}
		return entity.NewColumnBool(col.Name, values), nil
	case DataTypeInt64:
		values, ok := col.Values.([]int64)
		if !ok {
			return nil, fmt.Errorf("column %s: expected []int64, got %T", col.Name, col.Values)
		}
		return entity.NewColumnInt64(col.Name, values), nil
	case DataTypeFloat:
		values, ok := col.Values.([]float32)
		if !ok {
			return nil, fmt.Errorf("column %s: expected []float32, got %T", col.Name, col.Values)
		}
		return entity.NewColumnFloat(col.Name, values), nil
	case DataTypeDouble:
		values, ok := col.Values.([]float64)
		if !ok {
			return nil, fmt.Errorf("column %s: expected []float64, got %T", col.Name, col.Values)
		}
		return entity.NewColumnDouble(col.Name, values), nil
	case DataTypeVarChar:
		values, ok := col.Values.([]string)
		if !ok {
			return nil, fmt.Errorf("column %s: expected []string, got %T", col.Name, col.Values)
		}
		return entity.NewColumnVarChar(col.Name, values), nil
	case DataTypeFloatVector:
		values, ok := col.Values.([][]float32)
		if !ok {
			return nil, fmt.Errorf("column %s: expected [][]float32, got %T", col.Name, col.Values)
		}
		return entity.NewColumnFloatVector(col.Name, col.Dimension, values), nil
	default:
		return nil, fmt.Errorf("column %s: unsupported data type %s", col.Name, col.Type)
	}
}

func toMetricType(metric string) entity.MetricType {
	switch metric {
	case "L2":
		return entity.L2
	case "IP":
		return entity.IP
	default:
		return entity.COSINE
	}
}

// Ensure GRPCClient implements Client interface
var _ Client = (*GRPCClient)(nil)
