package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of the claim record. The table's TTL attribute must be
// configured as "expires_at"; the guard never sweeps expired claims itself.
const (
	attrObjectID    = "object_id"
	attrOriginalKey = "original_key"
	attrExpiresAt   = "expires_at"
)

// dynamoAPI is the slice of the DynamoDB client the store uses.
// Narrowing to one method keeps tests free of SDK plumbing.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore implements Store on a DynamoDB table.
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// NewDynamoStore creates a DynamoDB-backed claim store.
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// newDynamoStoreWithAPI is the test seam for injecting a fake client.
func newDynamoStoreWithAPI(client dynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// ConditionalPut implements Store with a single conditional write: the item
// is created iff the partition key does not exist. A lost condition maps to
// ErrConditionFailed; everything else surfaces to the guard as transient.
func (s *DynamoStore) ConditionalPut(ctx context.Context, partitionKey, originalKey string, expiresAt time.Time) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			attrObjectID:    &ddbtypes.AttributeValueMemberS{Value: partitionKey},
			attrOriginalKey: &ddbtypes.AttributeValueMemberS{Value: originalKey},
			attrExpiresAt:   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(" + attrObjectID + ")"),
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrConditionFailed
		}
		return err
	}
	return nil
}

// Verify DynamoStore implements Store.
var _ Store = (*DynamoStore)(nil)
