package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB attribute names. The partition key is the lock name.
const (
	dynamoAttrID        = "_id"
	dynamoAttrLockUntil = "lockUntil"
	dynamoAttrLockedAt  = "lockedAt"
	dynamoAttrLockedBy  = "lockedBy"
)

// isoMillis is a fixed-width ISO-8601 UTC format. Fixed width matters:
// DynamoDB compares these attributes as strings, so every timestamp must
// sort lexicographically in time order.
const isoMillis = "2006-01-02T15:04:05.000Z"

// DynamoClient is the slice of the DynamoDB API the store uses.
type DynamoClient interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore keeps lease records in a DynamoDB table with a string hash
// key named "_id". Timestamps are stored as ISO-8601 strings.
type DynamoStore struct {
	client DynamoClient
	table  string
}

// NewDynamoStore creates a DynamoDB-backed store over an existing table.
// See CreateLockTable for provisioning one.
func NewDynamoStore(client DynamoClient, table string) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
	}
}

func dynamoString(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func (d *DynamoStore) nameKey(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoAttrID: dynamoString(name),
	}
}

// Claim implements Store.Claim. A single UpdateItem carries the whole
// protocol: the write applies only if no record exists or the existing
// lockUntil is at or before the claim time, and DynamoDB evaluates the
// condition atomically against the current item.
func (d *DynamoStore) Claim(ctx context.Context, rec Record) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key:       d.nameKey(rec.Name),
		UpdateExpression: aws.String(
			"SET " + dynamoAttrLockUntil + " = :lockUntil, " + dynamoAttrLockedAt + " = :lockedAt, " + dynamoAttrLockedBy + " = :lockedBy"),
		ConditionExpression: aws.String(
			dynamoAttrLockUntil + " <= :lockedAt OR attribute_not_exists(" + dynamoAttrLockUntil + ")"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockUntil": dynamoString(rec.LockUntil.UTC().Format(isoMillis)),
			":lockedAt":  dynamoString(rec.LockedAt.UTC().Format(isoMillis)),
			":lockedBy":  dynamoString(rec.LockedBy),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrLockHeld
		}
		return fmt.Errorf("failed to claim lock: %w", err)
	}
	return nil
}

// Unlock implements Store.Unlock.
func (d *DynamoStore) Unlock(ctx context.Context, rec Record, until time.Time) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              d.nameKey(rec.Name),
		UpdateExpression: aws.String("SET " + dynamoAttrLockUntil + " = :lockUntil"),
		ConditionExpression: aws.String(
			dynamoAttrLockedBy + " = :lockedBy AND " + dynamoAttrLockUntil + " = :claimed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockUntil": dynamoString(until.UTC().Format(isoMillis)),
			":lockedBy":  dynamoString(rec.LockedBy),
			":claimed":   dynamoString(rec.LockUntil.UTC().Format(isoMillis)),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrLockHeld
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CreateLockTable provisions a minimal lock table: a string hash key "_id"
// and the given throughput. It does not check whether the table exists.
func CreateLockTable(ctx context.Context, client *dynamodb.Client, table string, readCapacity, writeCapacity int64) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(dynamoAttrID),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(dynamoAttrID),
			KeyType:       types.KeyTypeHash,
		}},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(readCapacity),
			WriteCapacityUnits: aws.Int64(writeCapacity),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create lock table %q: %w", table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("lock table %q not active: %w", table, err)
	}
	return nil
}
