// Package dynamo implements the durable block store on DynamoDB. Records
// live in a single table keyed by PK="BLOCK#<id>", SK="RECORD". Each write is
// a single-item PutItem or DeleteItem, which DynamoDB applies atomically.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/softban/internal/domain"
	"github.com/ignite/softban/internal/service/softban"
)

const (
	pkPrefix = "BLOCK#"
	recordSK = "RECORD"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Options configures the AWS client built by New.
type Options struct {
	Table     string
	Region    string
	Profile   string
	AccessKey string
	SecretKey string
	// Endpoint overrides the service endpoint, e.g. DynamoDB Local.
	Endpoint string
}

// blockItem is the stored shape of a block record.
type blockItem struct {
	PK          string    `dynamodbav:"PK"`
	SK          string    `dynamodbav:"SK"`
	ID          string    `dynamodbav:"id"`
	UnblockTime time.Time `dynamodbav:"unblock_time"`
	// UnblockNano mirrors UnblockTime in Unix nanoseconds for conditions.
	UnblockNano int64     `dynamodbav:"unblock_ns"`
	Reason      string    `dynamodbav:"reason,omitempty"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
}

// BlockStore implements softban.Repository against DynamoDB.
type BlockStore struct {
	api   API
	table string
	now   func() time.Time
}

var _ softban.Repository = (*BlockStore)(nil)

// New loads AWS configuration and returns a store for opts.Table. Static
// credentials are used when both keys are set, otherwise the default chain
// (optionally with a shared profile).
func New(ctx context.Context, opts Options) (*BlockStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamo: table name is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	switch {
	case opts.AccessKey != "" && opts.SecretKey != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	case opts.Profile != "":
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewBlockStore(client, opts.Table), nil
}

// NewBlockStore wraps an existing client.
func NewBlockStore(api API, table string) *BlockStore {
	return &BlockStore{api: api, table: table, now: time.Now}
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefix + id},
		"SK": &types.AttributeValueMemberS{Value: recordSK},
	}
}

func (s *BlockStore) Get(ctx context.Context, id string) (*domain.BlockRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getting block from DynamoDB: %w", softban.ErrStoreUnavailable, err)
	}
	if len(out.Item) == 0 {
		return nil, softban.ErrNotFound
	}
	return decode(out.Item)
}

func (s *BlockStore) Upsert(ctx context.Context, rec domain.BlockRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	now := s.now().UTC()
	item := blockItem{
		PK:          pkPrefix + rec.ID,
		SK:          recordSK,
		ID:          rec.ID,
		UnblockTime: rec.UnblockTime.UTC(),
		UnblockNano: rec.UnblockTime.UnixNano(),
		Reason:      rec.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling block: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("%w: putting block to DynamoDB: %w", softban.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BlockStore) Remove(ctx context.Context, id string) error {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          key(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("%w: deleting block from DynamoDB: %w", softban.ErrStoreUnavailable, err)
	}
	if len(out.Attributes) == 0 {
		return softban.ErrNotFound
	}
	return nil
}

// RemoveExpired deletes the item only while unblock_ns <= asOf. A missing
// item or a renewed block fails the condition and reports ErrNotFound.
func (s *BlockStore) RemoveExpired(ctx context.Context, id string, asOf time.Time) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 key(id),
		ConditionExpression: aws.String("unblock_ns <= :asOf"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":asOf": &types.AttributeValueMemberN{Value: strconv.FormatInt(asOf.UnixNano(), 10)},
		},
	})
	var condErr *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &condErr):
		return softban.ErrNotFound
	case err != nil:
		return fmt.Errorf("%w: deleting expired block from DynamoDB: %w", softban.ErrStoreUnavailable, err)
	}
	return nil
}

// Ping reports whether the table is reachable and usable.
func (s *BlockStore) Ping(ctx context.Context) error {
	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		return fmt.Errorf("describing table %s: %w", s.table, err)
	}
	if out.Table != nil {
		switch out.Table.TableStatus {
		case types.TableStatusActive, types.TableStatusUpdating:
		default:
			return fmt.Errorf("table %s is %s", s.table, out.Table.TableStatus)
		}
	}
	return nil
}

// List scans the whole table. Audit only.
func (s *BlockStore) List(ctx context.Context, f softban.ListFilter) ([]domain.BlockRecord, int, error) {
	var (
		out      []domain.BlockRecord
		startKey map[string]types.AttributeValue
	)
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scanning blocks: %w", softban.ErrStoreUnavailable, err)
		}
		for _, item := range page.Items {
			if pk, ok := item["PK"].(*types.AttributeValueMemberS); !ok || !strings.HasPrefix(pk.Value, pkPrefix) {
				continue
			}
			rec, err := decode(item)
			if err != nil {
				continue
			}
			if f.Matches(*rec) {
				out = append(out, *rec)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UnblockTime.Equal(out[j].UnblockTime) {
			return out[i].UnblockTime.After(out[j].UnblockTime)
		}
		return out[i].ID < out[j].ID
	})
	return f.Page(out), len(out), nil
}

func decode(item map[string]types.AttributeValue) (*domain.BlockRecord, error) {
	var it blockItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling block: %w", softban.ErrMalformedRecord, err)
	}
	if it.ID == "" {
		it.ID = strings.TrimPrefix(it.PK, pkPrefix)
	}
	if it.UnblockTime.IsZero() {
		return nil, fmt.Errorf("%w: block %q has no unblock_time", softban.ErrMalformedRecord, it.ID)
	}
	return &domain.BlockRecord{
		ID:          it.ID,
		UnblockTime: it.UnblockTime,
		Reason:      it.Reason,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}, nil
}
