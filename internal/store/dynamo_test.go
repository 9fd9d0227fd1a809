package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicex/internal/models"
)

// fakeDynamo understands exactly the expressions the adapter emits.
type fakeDynamo struct {
	mu       sync.Mutex
	items    []map[string]types.AttributeValue
	pageSize int
	failWith error
}

func (f *fakeDynamo) find(id string) int {
	for i, it := range f.items {
		if it["id"].(*types.AttributeValueMemberS).Value == id {
			return i
		}
	}
	return -1
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	i := f.find(in.Key["id"].(*types.AttributeValueMemberS).Value)
	if i < 0 {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: f.items[i]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Item["id"].(*types.AttributeValueMemberS).Value
	i := f.find(id)
	conflict := &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(id)":
		if i >= 0 {
			return nil, conflict
		}
		f.items = append(f.items, in.Item)
		return &dynamodb.PutItemOutput{}, nil
	case "#v = :expected":
		want := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
		if i < 0 || f.items[i]["version"].(*types.AttributeValueMemberN).Value != want {
			return nil, conflict
		}
		f.items[i] = in.Item
		return &dynamodb.PutItemOutput{}, nil
	}
	return nil, errors.New("unexpected condition")
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if in.ExclusiveStartKey != nil {
		start = f.find(in.ExclusiveStartKey["id"].(*types.AttributeValueMemberS).Value) + 1
	}
	end := min(start+f.pageSize, len(f.items))
	out := &dynamodb.ScanOutput{}
	for _, it := range f.items[start:end] {
		if f.matches(in, it) {
			out.Items = append(out.Items, it)
		}
	}
	if end < len(f.items) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"id": f.items[end-1]["id"]}
	}
	return out, nil
}

func (f *fakeDynamo) matches(in *dynamodb.ScanInput, it map[string]types.AttributeValue) bool {
	for name, field := range in.ExpressionAttributeNames {
		prefix := ":" + strings.TrimPrefix(name, "#") + "v"
		var allowed []string
		for ph, v := range in.ExpressionAttributeValues {
			if strings.HasPrefix(ph, prefix) {
				allowed = append(allowed, v.(*types.AttributeValueMemberS).Value)
			}
		}
		s, ok := it[field].(*types.AttributeValueMemberS)
		if !ok || !slices.Contains(allowed, s.Value) {
			return false
		}
	}
	return true
}

func newDynamoPaths(db *fakeDynamo) *DynamoCollection[models.Path, *models.Path] {
	return NewDynamoCollection[models.Path](db, "servicex_paths", 3)
}

func TestFilterExpression(t *testing.T) {
	expr, names, values := filterExpression(Filter{
		Eq("req_id", "r1"),
		In("status", models.PathValidated, models.PathTransforming),
	})
	assert.Equal(t, "#f0 = :f0v0 AND #f1 IN (:f1v0, :f1v1)", expr)
	assert.Equal(t, map[string]string{"#f0": "req_id", "#f1": "status"}, names)
	assert.Len(t, values, 3)
	assert.Equal(t, "Transforming", values[":f1v1"].(*types.AttributeValueMemberS).Value)

	expr, names, values = filterExpression(nil)
	assert.Empty(t, expr)
	assert.Nil(t, names)
	assert.Nil(t, values)
}

func TestDynamo_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{pageSize: 2}
	c := newDynamoPaths(db)

	id, err := c.Create(ctx, &models.Path{ReqID: "r1", Status: models.PathValidated})
	require.NoError(t, err)

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	got, err = c.ConditionalUpdate(ctx, id, 1, func(p *models.Path) error {
		p.Status = models.PathTransforming
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	_, err = c.ConditionalUpdate(ctx, id, 1, func(*models.Path) error { return nil })
	assert.ErrorIs(t, err, ErrConflict)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Create(ctx, &models.Path{ID: id})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDynamo_QueryOnePagesPastFilteredPages(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{pageSize: 2}
	c := newDynamoPaths(db)
	for i := 0; i < 5; i++ {
		_, err := c.Create(ctx, &models.Path{ReqID: "r1", Status: models.PathDone})
		require.NoError(t, err)
	}
	last, err := c.Create(ctx, &models.Path{ReqID: "r1", Status: models.PathValidated})
	require.NoError(t, err)

	p, err := c.QueryOne(ctx, Filter{Eq("status", "Validated")})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, last, p.ID)

	p, err = c.QueryOne(ctx, Filter{Eq("status", "Paused")})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDynamo_UpdateByFilter(t *testing.T) {
	ctx := context.Background()
	db := &fakeDynamo{pageSize: 2}
	c := newDynamoPaths(db)
	for _, st := range []models.PathStatus{models.PathPaused, models.PathDone, models.PathPaused} {
		_, err := c.Create(ctx, &models.Path{ReqID: "r1", Status: st})
		require.NoError(t, err)
	}

	n, err := c.UpdateByFilter(ctx, Filter{Eq("req_id", "r1"), Eq("status", "Paused")}, func(p *models.Path) error {
		p.Status = models.PathValidated
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := c.QueryOne(ctx, Filter{Eq("status", "Paused")})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDynamo_TransportErrorsAreUnavailable(t *testing.T) {
	db := &fakeDynamo{pageSize: 1, failWith: errors.New("connection refused")}
	c := newDynamoPaths(db)
	_, err := c.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}
