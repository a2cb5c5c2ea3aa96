// Package repository persists all cross-invocation conversation state in a
// single DynamoDB table: the turn-by-turn history document, the join-time
// leg correlation records, and the shared daily quota counter.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"callsim/internal/domain"
)

const (
	pkPrefixConv = "CONV#"
	pkQuota      = "QUOTA#DAILY"
	skHistory    = "HISTORY"
	skPrefixLeg  = "LEG#"

	// historyTTL bounds how long an idle conversation survives. The
	// provider's per-leg time limit is far shorter, so expiry only cleans
	// up abandoned records.
	historyTTL = time.Hour
	quotaTTL   = 48 * time.Hour
)

// ErrVersionConflict reports that another invocation wrote the history
// document between this invocation's read and write.
var ErrVersionConflict = errors.New("repository: history version conflict")

// ErrLegContextNotFound reports a missing join-time correlation record.
var ErrLegContextNotFound = errors.New("repository: leg context not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client wraps a DynamoDB table for conversation state.
type Client struct {
	api        dynamodbAPI
	tableName  string
	quotaLimit int
	now        func() time.Time
}

// New creates a new repository Client. quotaLimit is the shared daily cap on
// generation calls.
func New(api dynamodbAPI, tableName string, quotaLimit int) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if quotaLimit <= 0 {
		return nil, errors.New("repository: quota limit must be positive")
	}
	return &Client{api: api, tableName: tableName, quotaLimit: quotaLimit, now: time.Now}, nil
}

func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func legSK(role domain.Role) string {
	return skPrefixLeg + string(role)
}

// GetHistory loads the history document. Absent or expired records yield an
// empty slice and version 0.
func (c *Client) GetHistory(ctx context.Context, conversationID string) ([]domain.ChatMessage, int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skHistory},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("repository: GetHistory: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, 0, nil
	}
	if c.expired(out.Item) {
		// DynamoDB deletes expired items lazily; treat them as gone.
		return nil, 0, nil
	}

	raw, err := strAttr(out.Item, "messages")
	if err != nil {
		return nil, 0, fmt.Errorf("repository: GetHistory: %w", err)
	}
	version, err := intAttr(out.Item, "version")
	if err != nil {
		return nil, 0, fmt.Errorf("repository: GetHistory: %w", err)
	}

	var msgs []domain.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, 0, fmt.Errorf("repository: GetHistory decode messages: %w", err)
	}
	return msgs, version, nil
}

// PutHistory replaces the history document. expectedVersion is the version
// observed at read time (0 for a record that did not exist); a mismatch
// returns ErrVersionConflict.
func (c *Client) PutHistory(ctx context.Context, conversationID string, msgs []domain.ChatMessage, expectedVersion int64) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("repository: PutHistory encode messages: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK":        &types.AttributeValueMemberS{Value: skHistory},
			"messages":  &types.AttributeValueMemberS{Value: string(raw)},
			"version":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
			"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(historyTTL).Unix(), 10)},
		},
		// The expiresAt clause lets a write land over an expired item that
		// DynamoDB's lazy TTL sweep has not deleted yet; GetHistory reported
		// such an item as absent, so its stored version must not block the
		// conditional put.
		ConditionExpression: aws.String("attribute_not_exists(PK) OR version = :expected OR expiresAt <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: PutHistory: %w", err)
	}
	return nil
}

// PutLegContext stores the join-time correlation record for one leg.
func (c *Client) PutLegContext(ctx context.Context, lc domain.LegContext) error {
	if lc.ConversationID == "" || !lc.Role.Valid() {
		return errors.New("repository: PutLegContext: conversation id and role are required")
	}
	raw, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("repository: PutLegContext encode: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: convPK(lc.ConversationID)},
			"SK":        &types.AttributeValueMemberS{Value: legSK(lc.Role)},
			"context":   &types.AttributeValueMemberS{Value: string(raw)},
			"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(historyTTL).Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutLegContext: %w", err)
	}
	return nil
}

// DeleteLegContext removes a correlation record, used when the join it was
// written for ultimately fails. Deleting an absent record is a no-op.
func (c *Client) DeleteLegContext(ctx context.Context, conversationID string, role domain.Role) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: legSK(role)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteLegContext: %w", err)
	}
	return nil
}

// GetLegContext resolves the correlation record stored at join time.
func (c *Client) GetLegContext(ctx context.Context, conversationID string, role domain.Role) (domain.LegContext, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: legSK(role)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.LegContext{}, fmt.Errorf("repository: GetLegContext: %w", err)
	}
	if out == nil || len(out.Item) == 0 || c.expired(out.Item) {
		return domain.LegContext{}, ErrLegContextNotFound
	}
	raw, err := strAttr(out.Item, "context")
	if err != nil {
		return domain.LegContext{}, fmt.Errorf("repository: GetLegContext: %w", err)
	}
	var lc domain.LegContext
	if err := json.Unmarshal([]byte(raw), &lc); err != nil {
		return domain.LegContext{}, fmt.Errorf("repository: GetLegContext decode: %w", err)
	}
	return lc, nil
}

// CheckAndIncrementDailyQuota atomically counts one generation call against
// today's shared budget. The conditional ADD makes concurrent invocations
// safe without any read-modify-write gap.
func (c *Client) CheckAndIncrementDailyQuota(ctx context.Context) (domain.QuotaDecision, error) {
	today := c.now().UTC().Format("2006-01-02")
	resetsAt := c.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkQuota},
			"SK": &types.AttributeValueMemberS{Value: today},
		},
		UpdateExpression:    aws.String("SET expiresAt = :ttl ADD #c :one"),
		ConditionExpression: aws.String("attribute_not_exists(#c) OR #c < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#c": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(c.quotaLimit)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(quotaTTL).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			count, countErr := c.quotaCount(ctx, today)
			if countErr != nil {
				return domain.QuotaDecision{}, countErr
			}
			return domain.QuotaDecision{
				Allowed:      false,
				CurrentCount: count,
				Limit:        c.quotaLimit,
				ResetsAt:     resetsAt,
			}, nil
		}
		return domain.QuotaDecision{}, fmt.Errorf("repository: CheckAndIncrementDailyQuota: %w", err)
	}

	count, err := intAttr(out.Attributes, "count")
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("repository: CheckAndIncrementDailyQuota: %w", err)
	}
	return domain.QuotaDecision{
		Allowed:      true,
		CurrentCount: int(count),
		Limit:        c.quotaLimit,
		ResetsAt:     resetsAt,
	}, nil
}

func (c *Client) quotaCount(ctx context.Context, day string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkQuota},
			"SK": &types.AttributeValueMemberS{Value: day},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: quota count: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	count, err := intAttr(out.Item, "count")
	if err != nil {
		return 0, fmt.Errorf("repository: quota count: %w", err)
	}
	return int(count), nil
}

func (c *Client) expired(item map[string]types.AttributeValue) bool {
	exp, err := intAttr(item, "expiresAt")
	if err != nil {
		return false
	}
	return exp <= c.now().Unix()
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
