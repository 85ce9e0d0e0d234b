package milvus

import (
	"context"
	"errors"
	"testing"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientConfigApplyDefaults(t *testing.T) {
	cfg := &ClientConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost:19530", cfg.Address)
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, 3, cfg.RetryAttempts)
	require.NoError(t, cfg.Validate())
}

func TestClientConfigValidate(t *testing.T) {
	cfg := &ClientConfig{MaxMessageSize: 1024}
	assert.Error(t, cfg.Validate())

	cfg.Address = "milvus:19530"
	cfg.MaxMessageSize = 0
	assert.Error(t, cfg.Validate())
}

// versionClientStub satisfies the SDK client interface through embedding;
// only GetVersion is implemented, which is all Health touches.
type versionClientStub struct {
	mclient.Client
	err error
}

func (s versionClientStub) GetVersion(_ context.Context) (string, error) {
	return "v2.4.2", s.err
}

func TestGRPCClientHealth(t *testing.T) {
	c := &GRPCClient{
		client: versionClientStub{},
		config: DefaultClientConfig(),
		logger: zap.NewNop(),
	}
	require.NoError(t, c.Health(context.Background()))

	c.client = versionClientStub{err: errors.New("server unreachable")}
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestToEntityColumn(t *testing.T) {
	tests := []struct {
		name   string
		column Column
		ok     bool
	}{
		{"int64", Column{Name: "id", Type: DataTypeInt64, Values: []int64{1, 2}}, true},
		{"varchar", Column{Name: "text", Type: DataTypeVarChar, Values: []string{"a"}}, true},
		{"double", Column{Name: "score", Type: DataTypeDouble, Values: []float64{0.5}}, true},
		{"bool", Column{Name: "flag", Type: DataTypeBool, Values: []bool{true}}, true},
		{"vector", Column{Name: "embedding", Type: DataTypeFloatVector, Dimension: 2, Values: [][]float32{{1, 0}}}, true},
		{"type mismatch", Column{Name: "id", Type: DataTypeInt64, Values: []string{"not ints"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col, err := toEntityColumn(tt.column)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.column.Name, col.Name())
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestToMetricType(t *testing.T) {
	assert.Equal(t, entity.L2, toMetricType("L2"))
	assert.Equal(t, entity.IP, toMetricType("IP"))
	assert.Equal(t, entity.COSINE, toMetricType("COSINE"))
	assert.Equal(t, entity.COSINE, toMetricType(""))
}

func TestFieldTypeRoundTrip(t *testing.T) {
	for _, dt := range []DataType{
		DataTypeBool, DataTypeInt64, DataTypeFloat,
		DataTypeDouble, DataTypeVarChar, DataTypeFloatVector,
	} {
		back, ok := fromEntityFieldType(toEntityFieldType(dt))
		require.True(t, ok, dt.String())
		assert.Equal(t, dt, back)
	}
}

func TestFromEntityCollectionParsesTypeParams(t *testing.T) {
	coll := &entity.Collection{
		Name:   "docs",
		Loaded: true,
		Schema: entity.NewSchema().
			WithName("docs").
			WithDescription("knowledge hub").
			WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(5000)).
			WithField(entity.NewField().WithName("embedding").WithDataType(entity.FieldTypeFloatVector).WithDim(1536)),
	}

	info := fromEntityCollection(coll)
	require.Len(t, info.Fields, 3)
	assert.True(t, info.Loaded)
	assert.Equal(t, "knowledge hub", info.Description)

	assert.True(t, info.Fields[0].IsPrimaryKey)
	assert.Equal(t, 5000, info.Fields[1].MaxLength)
	assert.Equal(t, 1536, info.Fields[2].Dimension)
}
