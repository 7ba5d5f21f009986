package calnotify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Fingerprint derives a deterministic identifier for a notification's
// logical content. Two notifications with the same fingerprint are the
// same logical event, redelivered.
func Fingerprint(subscriptionID, resourceID, etag string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", subscriptionID, resourceID, etag)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeLedger is a durable set of processed-notification fingerprints with
// TTL-based expiry.
//
// Insert is atomic check-and-set: it returns false when the fingerprint is
// already present and unexpired. Remove releases a fingerprint so that a
// redelivery can be processed again, used when processing fails after the
// fingerprint was claimed.
type DedupeLedger interface {
	Insert(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	Remove(ctx context.Context, fingerprint string) error
}

// NewDedupeLedger creates a DedupeLedger implementation based on the
// configuration type.
func NewDedupeLedger(ctx context.Context, cfg StorageOption) (DedupeLedger, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBDedupeLedger(ctx, cfg)
	case "file":
		return NewFileDedupeLedger(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

type DynamoDBDedupeLedger struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBDedupeLedger(ctx context.Context, cfg StorageOption) (*DynamoDBDedupeLedger, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	l := &DynamoDBDedupeLedger{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.DedupeTableName,
	}
	if err := prepareTable(ctx, l.client, l.tableName, "Fingerprint", cfg.AutoCreate); err != nil {
		return nil, err
	}
	return l, nil
}

// Insert relies on a conditional put: the item wins only when no unexpired
// item with the same fingerprint exists. ExpiresAt doubles as the DynamoDB
// TTL attribute, so the table sweeps old fingerprints on its own.
func (l *DynamoDBDedupeLedger) Insert(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	now := flextime.Now()
	expiresAt := now.Add(ttl).Unix()
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.tableName),
		Item: map[string]types.AttributeValue{
			"Fingerprint": &types.AttributeValueMemberS{Value: fingerprint},
			"ExpiresAt":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
			"InsertedAt":  timeAttributeValue(now),
		},
		ConditionExpression: aws.String("attribute_not_exists(Fingerprint) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ConditionalCheckFailedException" {
				slog.DebugContext(ctx, "fingerprint already claimed", "fingerprint", fingerprint)
				return false, nil
			}
		}
		slog.WarnContext(ctx, "failed put fingerprint to dynamodb table", "table_name", l.tableName, "error", err)
		return false, err
	}
	return true, nil
}

func (l *DynamoDBDedupeLedger) Remove(ctx context.Context, fingerprint string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"Fingerprint": &types.AttributeValueMemberS{Value: fingerprint},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed delete fingerprint from dynamodb table", "table_name", l.tableName, "error", err)
		return err
	}
	return nil
}

type FileDedupeLedger struct {
	Fingerprints map[string]time.Time

	LockFile string
	FilePath string
}

func NewFileDedupeLedger(_ context.Context, cfg StorageOption) (*FileDedupeLedger, error) {
	l := &FileDedupeLedger{
		Fingerprints: make(map[string]time.Time),
		FilePath:     filepath.Join(cfg.DataDir, "calnotify_dedupe.dat"),
		LockFile:     filepath.Join(cfg.DataDir, "calnotify_dedupe.lock"),
	}
	return l, nil
}

func (l *FileDedupeLedger) Insert(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	inserted := false
	if err := fileTransactional(ctx, l.LockFile, l, l.FilePath, func(context.Context) error {
		if l.Fingerprints == nil {
			l.Fingerprints = make(map[string]time.Time)
		}
		now := flextime.Now()
		l.prune(now)
		if expiresAt, ok := l.Fingerprints[fingerprint]; ok && now.Before(expiresAt) {
			return nil
		}
		l.Fingerprints[fingerprint] = now.Add(ttl)
		inserted = true
		return nil
	}); err != nil {
		return false, err
	}
	return inserted, nil
}

func (l *FileDedupeLedger) Remove(ctx context.Context, fingerprint string) error {
	return fileTransactional(ctx, l.LockFile, l, l.FilePath, func(context.Context) error {
		delete(l.Fingerprints, fingerprint)
		return nil
	})
}

func (l *FileDedupeLedger) prune(now time.Time) {
	for fingerprint, expiresAt := range l.Fingerprints {
		if !now.Before(expiresAt) {
			delete(l.Fingerprints, fingerprint)
		}
	}
}
