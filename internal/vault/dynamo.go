package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of *dynamodb.Client the store needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore shares tokens across instances. The table must have TTL enabled
// on expires_at; since DynamoDB removes expired items lazily, reads compare
// expires_at themselves.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

type dynamoItem struct {
	Token       string `dynamodbav:"token"`
	Kind        string `dynamodbav:"kind"`
	Masked      string `dynamodbav:"masked"`
	Fingerprint string `dynamodbav:"fingerprint"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

func (s *DynamoStore) Put(ctx context.Context, e Entry) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		Token:       e.Token,
		Kind:        string(e.Kind),
		Masked:      e.Masked,
		Fingerprint: e.Fingerprint,
		ExpiresAt:   e.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#t)"),
		ExpressionAttributeNames: map[string]string{
			"#t": "token",
		},
	})
	if err != nil {
		var ccf *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("token collision: %w", err)
		}
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, token string) (Entry, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            tokenKey(token),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("get token: %w", err)
	}
	if out.Item == nil {
		return Entry{}, false, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal token: %w", err)
	}
	return Entry{
		Token:       item.Token,
		Kind:        Kind(item.Kind),
		Masked:      item.Masked,
		Fingerprint: item.Fingerprint,
		ExpiresAt:   time.Unix(item.ExpiresAt, 0).UTC(),
	}, true, nil
}

func (s *DynamoStore) Delete(ctx context.Context, token string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       tokenKey(token),
	})
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func tokenKey(token string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"token": &dynamodbtypes.AttributeValueMemberS{Value: token},
	}
}
