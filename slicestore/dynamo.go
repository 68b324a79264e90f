package slicestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API the store uses. Narrowing
// the dependency to an interface keeps the backend unit-testable without
// a live table.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// ErrConcurrentSeal is returned when another writer sealed the index
// between our reads and our seal attempt.
var ErrConcurrentSeal = errors.New("slicestore: concurrent seal detected")

const (
	ddbSlicePrefix = "s:"
	ddbVersionID   = "version"

	ddbBatchGetLimit   = 100
	ddbBatchWriteLimit = 25
)

// Dynamo is a DynamoDB-backed Store.
//
// DynamoDB offers no multi-item transactions at the sizes an insert
// touches, so atomicity rides on the seal/version mechanism instead:
// slice writes land first, at ranks no reader can see, and Seal's
// conditional put publishes them. Bolt remains the primary backend;
// Dynamo serves deployments that want the slice matrix off-host.
//
// Table schema: partition key "id" (string). Slice items are keyed
// "s:<zero-padded position>", the version record is keyed "version".
type Dynamo struct {
	client DDBClient
	table  string

	mu      sync.RWMutex
	current Version
	loaded  bool
	closed  bool
}

// NewDynamo creates a DynamoDB-backed slice store on an existing table.
func NewDynamo(client DDBClient, table string) *Dynamo {
	return &Dynamo{client: client, table: table}
}

func (s *Dynamo) sliceID(p uint64) string {
	return ddbSlicePrefix + string(Key(p))
}

// GetSlice implements Store.
func (s *Dynamo) GetSlice(ctx context.Context, v Version, p uint64) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: s.sliceID(p)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("slicestore: dynamo get: %w", err)
	}

	var bits []byte
	if out.Item != nil {
		attr, ok := out.Item["bits"].(*types.AttributeValueMemberB)
		if !ok {
			return nil, fmt.Errorf("slicestore: dynamo item %s has no bits attribute", s.sliceID(p))
		}
		raw, err := DecodeValue(attr.Value)
		if err != nil {
			return nil, err
		}
		bits = raw
	}
	return TrimSlice(bits, v.SampleCount), nil
}

// AppendSample implements Store. Reads and writes proceed in batches;
// partially written samples stay invisible until Seal.
func (s *Dynamo) AppendSample(ctx context.Context, rank uint32, positions []uint64) error {
	if s.isClosed() {
		return ErrClosed
	}

	existing, err := s.batchGet(ctx, positions)
	if err != nil {
		return err
	}

	writes := make([]types.WriteRequest, 0, len(positions))
	for _, p := range positions {
		raw := SetBit(existing[p], rank)
		writes = append(writes, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					"id":   &types.AttributeValueMemberS{Value: s.sliceID(p)},
					"bits": &types.AttributeValueMemberB{Value: EncodeValue(raw)},
				},
			},
		})
	}
	return s.batchWrite(ctx, writes)
}

func (s *Dynamo) batchGet(ctx context.Context, positions []uint64) (map[uint64][]byte, error) {
	out := make(map[uint64][]byte, len(positions))
	for start := 0; start < len(positions); start += ddbBatchGetLimit {
		end := min(start+ddbBatchGetLimit, len(positions))
		chunk := positions[start:end]

		keys := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, p := range chunk {
			keys = append(keys, map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: s.sliceID(p)},
			})
		}

		req := map[string]types.KeysAndAttributes{
			s.table: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for len(req) > 0 {
			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
			if err != nil {
				return nil, fmt.Errorf("slicestore: dynamo batch get: %w", err)
			}
			for _, item := range resp.Responses[s.table] {
				id, _ := item["id"].(*types.AttributeValueMemberS)
				attr, _ := item["bits"].(*types.AttributeValueMemberB)
				if id == nil || attr == nil {
					continue
				}
				p, err := ParseKey([]byte(id.Value[len(ddbSlicePrefix):]))
				if err != nil {
					return nil, err
				}
				raw, err := DecodeValue(attr.Value)
				if err != nil {
					return nil, err
				}
				out[p] = raw
			}
			req = resp.UnprocessedKeys
		}
	}
	return out, nil
}

func (s *Dynamo) batchWrite(ctx context.Context, writes []types.WriteRequest) error {
	for start := 0; start < len(writes); start += ddbBatchWriteLimit {
		end := min(start+ddbBatchWriteLimit, len(writes))

		req := map[string][]types.WriteRequest{s.table: writes[start:end]}
		for len(req[s.table]) > 0 {
			resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: req})
			if err != nil {
				return fmt.Errorf("slicestore: dynamo batch write: %w", err)
			}
			req = resp.UnprocessedItems
			if len(req) == 0 {
				break
			}
		}
	}
	return nil
}

// PutSlice implements Store.
func (s *Dynamo) PutSlice(ctx context.Context, p uint64, bits []byte) error {
	if s.isClosed() {
		return ErrClosed
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"id":   &types.AttributeValueMemberS{Value: s.sliceID(p)},
			"bits": &types.AttributeValueMemberB{Value: EncodeValue(bits)},
		},
	})
	if err != nil {
		return fmt.Errorf("slicestore: dynamo put slice: %w", err)
	}
	return nil
}

// Seal implements Store using a conditional put: the write succeeds only
// if nobody else advanced the version first.
func (s *Dynamo) Seal(ctx context.Context, sampleCount uint32) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Version{}, ErrClosed
	}
	if err := s.loadVersionLocked(ctx); err != nil {
		return Version{}, err
	}

	next := Version{Seq: s.current.Seq + 1, SampleCount: sampleCount}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"id":    &types.AttributeValueMemberS{Value: ddbVersionID},
			"seq":   &types.AttributeValueMemberN{Value: strconv.FormatUint(next.Seq, 10)},
			"count": &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(next.SampleCount), 10)},
		},
	}
	if s.current.Seq == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(id)")
	} else {
		input.ConditionExpression = aws.String("seq = :prev")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatUint(s.current.Seq, 10)},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return Version{}, ErrConcurrentSeal
		}
		return Version{}, fmt.Errorf("slicestore: dynamo seal: %w", err)
	}
	s.current = next
	return next, nil
}

// Current implements Store. It returns the last version observed by this
// process; call Seal or Refresh to resynchronize with the table.
func (s *Dynamo) Current() Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh re-reads the version record from the table.
func (s *Dynamo) Refresh(ctx context.Context) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Version{}, ErrClosed
	}
	s.loaded = false
	if err := s.loadVersionLocked(ctx); err != nil {
		return Version{}, err
	}
	return s.current, nil
}

func (s *Dynamo) loadVersionLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: ddbVersionID},
		},
	})
	if err != nil {
		return fmt.Errorf("slicestore: dynamo load version: %w", err)
	}
	if out.Item != nil {
		seqAttr, _ := out.Item["seq"].(*types.AttributeValueMemberN)
		countAttr, _ := out.Item["count"].(*types.AttributeValueMemberN)
		if seqAttr == nil || countAttr == nil {
			return fmt.Errorf("slicestore: malformed dynamo version record")
		}
		seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
		if err != nil {
			return err
		}
		count, err := strconv.ParseUint(countAttr.Value, 10, 32)
		if err != nil {
			return err
		}
		s.current = Version{Seq: seq, SampleCount: uint32(count)}
	}
	s.loaded = true
	return nil
}

// Scan implements Store. DynamoDB scans return items unordered, so the
// pass collects and sorts positions client-side before visiting them.
func (s *Dynamo) Scan(ctx context.Context, v Version, fn func(p uint64, bits []byte) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	type entry struct {
		p    uint64
		bits []byte
	}
	var entries []entry

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			FilterExpression:  aws.String("begins_with(id, :prefix)"),
			ExclusiveStartKey: startKey,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: ddbSlicePrefix},
			},
		})
		if err != nil {
			return fmt.Errorf("slicestore: dynamo scan: %w", err)
		}
		for _, item := range out.Items {
			id, _ := item["id"].(*types.AttributeValueMemberS)
			attr, _ := item["bits"].(*types.AttributeValueMemberB)
			if id == nil || attr == nil {
				continue
			}
			p, err := ParseKey([]byte(id.Value[len(ddbSlicePrefix):]))
			if err != nil {
				return err
			}
			raw, err := DecodeValue(attr.Value)
			if err != nil {
				return err
			}
			entries = append(entries, entry{p: p, bits: raw})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].p < entries[j].p })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.p, TrimSlice(e.bits, v.SampleCount)); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *Dynamo) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Dynamo) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
