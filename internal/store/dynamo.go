package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of *dynamodb.Client the adapter uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// NewDynamoClient builds a client for region, pointing at endpoint when set
// (DynamoDB Local, localstack).
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// DynamoCollection stores one document per item, keyed by "id", with the version
// token in the "version" attribute.
type DynamoCollection[T any, PT RecordPtr[T]] struct {
	db       DynamoAPI
	table    string
	attempts int
}

func NewDynamoCollection[T any, PT RecordPtr[T]](db DynamoAPI, table string, attempts int) *DynamoCollection[T, PT] {
	return &DynamoCollection[T, PT]{db: db, table: table, attempts: attempts}
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func dynamoErr(op string, err error) error {
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (c *DynamoCollection[T, PT]) Get(ctx context.Context, id string) (*T, error) {
	out, err := c.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, dynamoErr("get "+id, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	doc := new(T)
	if err := attributevalue.UnmarshalMap(out.Item, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return doc, nil
}

func (c *DynamoCollection[T, PT]) Create(ctx context.Context, doc *T) (string, error) {
	p := PT(doc)
	if p.GetID() == "" {
		p.SetID(uuid.NewString())
	}
	p.SetVersion(1)
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return "", dynamoErr("create "+p.GetID(), err)
	}
	return p.GetID(), nil
}

func (c *DynamoCollection[T, PT]) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutation[T]) (*T, error) {
	doc, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if PT(doc).GetVersion() != expectedVersion {
		return nil, fmt.Errorf("update %s at version %d: %w", id, expectedVersion, ErrConflict)
	}
	changed, err := apply[T, PT](doc, mutate)
	if err != nil {
		return nil, err
	}
	if !changed {
		return doc, nil
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}

	// Only write if nobody bumped the version since we read it
	_, err = c.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                item,
		ConditionExpression: aws.String("#v = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		return nil, dynamoErr("update "+id, err)
	}
	return doc, nil
}

func (c *DynamoCollection[T, PT]) UpdateByFilter(ctx context.Context, f Filter, mutate Mutation[T]) (int, error) {
	matches, err := c.scan(ctx, f, 0)
	if err != nil {
		return 0, err
	}
	return updateMatching[T, PT](ctx, c, matches, f, c.attempts, mutate)
}

func (c *DynamoCollection[T, PT]) QueryOne(ctx context.Context, f Filter) (*T, error) {
	matches, err := c.scan(ctx, f, 1)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

// scan pages through the table until limit matches are found (0 means all).
// Scan's own Limit counts items before filtering, so it cannot be used here.
func (c *DynamoCollection[T, PT]) scan(ctx context.Context, f Filter, limit int) ([]*T, error) {
	if f.empty() {
		return nil, nil
	}
	in := &dynamodb.ScanInput{
		TableName:      aws.String(c.table),
		ConsistentRead: aws.Bool(true),
	}
	if expr, names, values := filterExpression(f); expr != "" {
		in.FilterExpression = aws.String(expr)
		in.ExpressionAttributeNames = names
		in.ExpressionAttributeValues = values
	}

	var out []*T
	for {
		page, err := c.db.Scan(ctx, in)
		if err != nil {
			return nil, dynamoErr("scan "+c.table, err)
		}
		for _, item := range page.Items {
			doc := new(T)
			if err := attributevalue.UnmarshalMap(item, doc); err != nil {
				return nil, fmt.Errorf("decode scan item: %w", err)
			}
			out = append(out, doc)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// filterExpression renders f as "#f0 IN (:f0v0, :f0v1) AND #f1 = :f1v0".
// Attribute names are always aliased since "status" is a reserved word.
func filterExpression(f Filter) (string, map[string]string, map[string]types.AttributeValue) {
	if len(f) == 0 {
		return "", nil, nil
	}
	names := make(map[string]string, len(f))
	values := make(map[string]types.AttributeValue)
	expr := ""
	for i, cond := range f {
		name := fmt.Sprintf("#f%d", i)
		names[name] = cond.Field
		if i > 0 {
			expr += " AND "
		}
		if len(cond.Values) == 1 {
			ph := fmt.Sprintf(":f%dv0", i)
			values[ph] = &types.AttributeValueMemberS{Value: cond.Values[0]}
			expr += name + " = " + ph
			continue
		}
		expr += name + " IN ("
		for j, v := range cond.Values {
			ph := fmt.Sprintf(":f%dv%d", i, j)
			values[ph] = &types.AttributeValueMemberS{Value: v}
			if j > 0 {
				expr += ", "
			}
			expr += ph
		}
		expr += ")"
	}
	return expr, names, values
}
