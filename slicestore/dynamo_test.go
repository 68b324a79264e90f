package slicestore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDB is an in-memory DDBClient good enough for the store's access
// patterns, including condition expressions on the version record.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemID(item map[string]types.AttributeValue) string {
	id, _ := item["id"].(*types.AttributeValueMemberS)
	if id == nil {
		return ""
	}
	return id.Value
}

func (f *fakeDDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[itemID(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := itemID(params.Item)
	if params.ConditionExpression != nil {
		cond := *params.ConditionExpression
		existing, exists := f.items[id]
		switch {
		case cond == "attribute_not_exists(id)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case strings.HasPrefix(cond, "seq = "):
			want, _ := params.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN)
			var have *types.AttributeValueMemberN
			if exists {
				have, _ = existing["seq"].(*types.AttributeValueMemberN)
			}
			if want == nil || have == nil || want.Value != have.Value {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}
	f.items[id] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, req := range params.RequestItems {
		for _, key := range req.Keys {
			if item, ok := f.items[itemID(key)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeDDB) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, writes := range params.RequestItems {
		for _, w := range writes {
			if w.PutRequest != nil {
				f.items[itemID(w.PutRequest.Item)] = w.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDDB) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if attr, ok := params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS); ok {
		prefix = attr.Value
	}

	out := &dynamodb.ScanOutput{}
	for id, item := range f.items {
		if strings.HasPrefix(id, prefix) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func TestDynamoStore(t *testing.T) {
	testStore(t, NewDynamo(newFakeDDB(), "bitsi-slices"))
}

func TestDynamoConcurrentSeal(t *testing.T) {
	ctx := context.Background()
	client := newFakeDDB()

	a := NewDynamo(client, "bitsi-slices")
	b := NewDynamo(client, "bitsi-slices")

	_, err := a.Seal(ctx, 1)
	require.NoError(t, err)

	// b sealed from a stale view of the version record.
	b.current = Version{Seq: 0}
	b.loaded = true
	_, err = b.Seal(ctx, 1)
	require.ErrorIs(t, err, ErrConcurrentSeal)
}

func TestDynamoRefresh(t *testing.T) {
	ctx := context.Background()
	client := newFakeDDB()

	a := NewDynamo(client, "bitsi-slices")
	b := NewDynamo(client, "bitsi-slices")

	require.NoError(t, a.AppendSample(ctx, 0, []uint64{1}))
	v, err := a.Seal(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, Version{}, b.Current(), "other process has not looked yet")

	got, err := b.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, got)
	assert.Equal(t, v, b.Current())
}
