// Package dynamostore keeps idempotency records in a DynamoDB table whose
// TTL attribute is expires_at (epoch seconds).
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ecomsimply/internal/config"
	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var _ ports.IdempotencyStore = (*Store)(nil)

// API is the subset of *dynamodb.Client the store calls.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type Store struct {
	db    API
	table string
	now   func() time.Time
}

// Open builds a client from the default AWS credential chain.
func Open(ctx context.Context, cfg config.Dynamo) (*Store, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("DYNAMODB_TABLE is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg.Table), nil
}

func New(db API, table string) *Store {
	return &Store{db: db, table: table, now: time.Now}
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := s.Get(ctx, key)
	return rec != nil, err
}

// Put writes rec unless a live item already holds the key.
func (s *Store) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	item, err := toItem(rec)
	if err != nil {
		return err
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#k":   "key",
			"#exp": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return nil
		}
		return fmt.Errorf("put idempotency key %s: %w", rec.Key, err)
	}
	return nil
}

// Get reads with strong consistency and hides items the TTL sweeper has
// not removed yet.
func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := fromItem(out.Item)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// CleanupExpired is left to DynamoDB's TTL.
func (s *Store) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func toItem(rec domain.IdempotencyRecord) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"key":               &types.AttributeValueMemberS{Value: rec.Key},
		"store_id":          &types.AttributeValueMemberS{Value: rec.StoreID},
		"payload_signature": &types.AttributeValueMemberS{Value: rec.PayloadSignature},
		"created_at":        &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)},
		"expires_at":        &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)},
	}
	optional := map[string]string{
		"source_url":  rec.SourceURL,
		"external_id": rec.ExternalID,
		"task_id":     rec.TaskID,
	}
	for name, v := range optional {
		if v != "" {
			item[name] = &types.AttributeValueMemberS{Value: v}
		}
	}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		item["metadata"] = &types.AttributeValueMemberS{Value: string(b)}
	}
	return item, nil
}

func fromItem(item map[string]types.AttributeValue) (*domain.IdempotencyRecord, error) {
	str := func(name string) string {
		if v, ok := item[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(name string) (int64, error) {
		v, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("attribute %s missing or not a number", name)
		}
		return strconv.ParseInt(v.Value, 10, 64)
	}

	rec := &domain.IdempotencyRecord{
		Key:              str("key"),
		StoreID:          str("store_id"),
		PayloadSignature: str("payload_signature"),
		SourceURL:        str("source_url"),
		ExternalID:       str("external_id"),
		TaskID:           str("task_id"),
	}
	created, err := num("created_at")
	if err != nil {
		return nil, err
	}
	expires, err := num("expires_at")
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.ExpiresAt = time.Unix(expires, 0)
	if m := str("metadata"); m != "" {
		if err := json.Unmarshal([]byte(m), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}
