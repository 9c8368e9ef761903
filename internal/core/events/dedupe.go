package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Deduplicator records which (resource, kind) pairs have been published so
// redelivered queue messages do not emit twice.
type Deduplicator interface {
	// Claim reports false when the key was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

const (
	defaultDedupeTTL        = 30 * 24 * time.Hour
	defaultMemoryDedupeKeys = 100000
)

type memoryClaim struct {
	key       string
	expiresAt time.Time
}

// MemoryDeduplicator keeps claims for ttl, like the DynamoDB table's TTL, and
// never holds more than maxKeys of them. Claims expire in insertion order, so
// order is a FIFO of live and released claims.
type MemoryDeduplicator struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
	seen    map[string]time.Time
	order   []memoryClaim
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &MemoryDeduplicator{
		ttl:     ttl,
		maxKeys: defaultMemoryDedupeKeys,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiresAt, ok := d.seen[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	expiresAt := now.Add(d.ttl)
	d.seen[key] = expiresAt
	d.order = append(d.order, memoryClaim{key: key, expiresAt: expiresAt})
	d.evict(now)
	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// Len reports the number of claims held.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// evict drops expired claims, then the oldest ones while over maxKeys. Queue
// entries left behind by Release or a re-claim are skipped.
func (d *MemoryDeduplicator) evict(now time.Time) {
	for len(d.order) > 0 {
		head := d.order[0]
		expiresAt, ok := d.seen[head.key]
		current := ok && expiresAt.Equal(head.expiresAt)
		if current && now.Before(head.expiresAt) && len(d.seen) <= d.maxKeys {
			return
		}
		d.order[0] = memoryClaim{}
		d.order = d.order[1:]
		if current {
			delete(d.seen, head.key)
		}
	}
}

type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dedupeItem struct {
	Key       string `dynamodbav:"dedupe_key"`
	ClaimedAt string `dynamodbav:"claimed_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoDeduplicator claims keys with a conditional put.
//
// Table requirements:
//   - PK: dedupe_key (string)
//   - TTL attribute: expires_at
type DynamoDeduplicator struct {
	ddb   DynamoDBAPI
	table string
	ttl   time.Duration
	now   func() time.Time
}

func NewDynamoDeduplicator(ddb DynamoDBAPI, table string, ttl time.Duration) *DynamoDeduplicator {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &DynamoDeduplicator{ddb: ddb, table: table, ttl: ttl, now: time.Now}
}

func (d *DynamoDeduplicator) Claim(ctx context.Context, key string) (bool, error) {
	now := d.now().UTC()
	av, err := attributevalue.MarshalMap(dedupeItem{
		Key:       key,
		ClaimedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(d.ttl).Unix(),
	})
	if err != nil {
		return false, err
	}

	_, err = d.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "dedupe_key",
		},
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("claim dedupe key %s: %w", key, err)
	}
	return true, nil
}

func (d *DynamoDeduplicator) Release(ctx context.Context, key string) error {
	_, err := d.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"dedupe_key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("release dedupe key %s: %w", key, err)
	}
	return nil
}
