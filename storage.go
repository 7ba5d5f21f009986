package calnotify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// StorageOption contains configuration for subscription, snapshot and dedupe state.
//
// Supported storage types:
//   - "dynamodb": DynamoDB tables (default, recommended for production)
//   - "file": local gob files guarded by a lock file (suitable for development)
type StorageOption struct {
	Type               string `help:"storage type" default:"dynamodb" enum:"dynamodb,file" env:"CALNOTIFY_STORAGE_TYPE"`
	TableName          string `help:"dynamodb subscription table name" default:"calnotify" env:"CALNOTIFY_DDB_TABLE_NAME"`
	SnapshotTableName  string `help:"dynamodb snapshot table name" default:"calnotify_snapshots" env:"CALNOTIFY_DDB_SNAPSHOT_TABLE_NAME"`
	DedupeTableName    string `help:"dynamodb dedupe table name" default:"calnotify_dedupe" env:"CALNOTIFY_DDB_DEDUPE_TABLE_NAME"`
	AutoCreate         bool   `help:"auto create dynamodb tables" default:"false" env:"CALNOTIFY_DDB_AUTO_CREATE" negatable:""`
	DataDir            string `help:"file storage data directory" default:"." env:"CALNOTIFY_FILE_STORAGE_DATA_DIR"`
}

// SubscriptionItem is a stored subscription record.
//
// ClientState is generated once at creation and echoed back by the provider
// in every notification for this subscription; it is the sole shared secret
// used to authenticate inbound notifications.
type SubscriptionItem struct {
	SubscriptionID  string
	ResourcePath    string
	ClientState     string
	Expiration      time.Time
	NotificationURL string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (item *SubscriptionItem) IsAboutToExpired(ctx context.Context, remaining time.Duration) bool {
	now := flextime.Now()
	d := item.Expiration.Sub(now)
	slog.DebugContext(ctx, "IsAboutToExpired",
		"remaining", d,
		"expiration", item.Expiration.Format(time.RFC3339),
		"now", now.Format(time.RFC3339),
		"subscription_id", item.SubscriptionID,
		"resource_path", item.ResourcePath,
	)
	return d <= remaining
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func attributeValueAsTime(key string, values map[string]types.AttributeValue) (time.Time, bool) {
	v, ok := GetAttributeValueAs[*types.AttributeValueMemberN](key, values)
	if !ok {
		return time.Time{}, false
	}
	millis, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(millis)), true
}

func timeAttributeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{
		Value: strconv.FormatFloat(float64(t.UnixMilli()), 'f', -1, 64),
	}
}

func NewSubscriptionItemWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *SubscriptionItem {
	item := &SubscriptionItem{}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("SubscriptionID", values); ok {
		item.SubscriptionID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ResourcePath", values); ok {
		item.ResourcePath = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ClientState", values); ok {
		item.ClientState = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("NotificationURL", values); ok {
		item.NotificationURL = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberBOOL]("Active", values); ok {
		item.Active = v.Value
	}
	if t, ok := attributeValueAsTime("Expiration", values); ok {
		item.Expiration = t
	}
	if t, ok := attributeValueAsTime("CreatedAt", values); ok {
		item.CreatedAt = t
	}
	if t, ok := attributeValueAsTime("UpdatedAt", values); ok {
		item.UpdatedAt = t
	}
	return item
}

func (item *SubscriptionItem) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"SubscriptionID": &types.AttributeValueMemberS{
			Value: item.SubscriptionID,
		},
		"ResourcePath": &types.AttributeValueMemberS{
			Value: item.ResourcePath,
		},
		"ClientState": &types.AttributeValueMemberS{
			Value: item.ClientState,
		},
		"NotificationURL": &types.AttributeValueMemberS{
			Value: item.NotificationURL,
		},
		"Active": &types.AttributeValueMemberBOOL{
			Value: item.Active,
		},
		"Expiration": timeAttributeValue(item.Expiration),
		"CreatedAt":  timeAttributeValue(item.CreatedAt),
		"UpdatedAt":  timeAttributeValue(item.UpdatedAt),
	}
}

// Storage defines the interface for durable subscription records.
type Storage interface {
	FindAllSubscriptions(context.Context) (<-chan []*SubscriptionItem, error)
	FindOneBySubscriptionID(context.Context, string) (*SubscriptionItem, error)
	SaveSubscription(context.Context, *SubscriptionItem) error
	UpdateSubscription(context.Context, *SubscriptionItem) error
	DeleteSubscription(context.Context, *SubscriptionItem) error
}

type SubscriptionNotFound struct {
	SubscriptionID string
}

func (err *SubscriptionNotFound) Error() string {
	return fmt.Sprintf("subscription_id:%s not found", err.SubscriptionID)
}

type SubscriptionAlreadyExists struct {
	SubscriptionID string
}

func (err *SubscriptionAlreadyExists) Error() string {
	return fmt.Sprintf("subscription_id:%s already exists", err.SubscriptionID)
}

// NewStorage creates a Storage implementation based on the configuration type.
func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "file":
		return NewFileStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

type DynamoDBStorage struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	s := &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	if err := prepareTable(ctx, s.client, s.tableName, "SubscriptionID", cfg.AutoCreate); err != nil {
		return nil, err
	}
	return s, nil
}

func tableExists(ctx context.Context, client *dynamodb.Client, tableName string) (bool, error) {
	slog.DebugContext(ctx, "check describe dynamodb table", "table_name", tableName)
	table, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceNotFoundException" {
				return false, nil
			}
		}
		slog.DebugContext(ctx, "DescribeTable failed", "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "table exists", "table_name", tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func waitTableActive(ctx context.Context, client *dynamodb.Client, tableName string) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", tableName)
	for retrier.Continue() {
		exists, err = tableExists(ctx, client, tableName)
		if err == nil && exists {
			return nil
		}
	}
	slog.DebugContext(ctx, "timeout wait dynamodb table active", "table_name", tableName)
	if err == nil {
		return fmt.Errorf("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func prepareTable(ctx context.Context, client *dynamodb.Client, tableName string, hashKey string, autoCreate bool) error {
	exists, err := tableExists(ctx, client, tableName)
	if err != nil {
		return err
	}
	if exists || !autoCreate {
		return nil
	}
	slog.DebugContext(ctx, "create dynamodb table", "table_name", tableName)
	output, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ResourceInUseException" {
				slog.DebugContext(ctx, "create dynamodb table ResourceInUseException, wait table active", "table_name", tableName)
				return waitTableActive(ctx, client, tableName)
			}
		}
		slog.DebugContext(ctx, "CreateTable failed", "error", err)
		return err
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", *output.TableDescription.TableArn)
	return waitTableActive(ctx, client, tableName)
}

// FindAllSubscriptions scans every page before handing out the channel, so a
// failed page surfaces as an error instead of a silently truncated listing.
func (s *DynamoDBStorage) FindAllSubscriptions(ctx context.Context) (<-chan []*SubscriptionItem, error) {
	slog.DebugContext(ctx, "scan dynamodb table", "table_name", s.tableName)
	pages := make([][]*SubscriptionItem, 0, 1)
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			Select:            types.SelectAllAttributes,
			ConsistentRead:    aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			slog.DebugContext(ctx, "scan dynamodb table failed", "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, "scan dynamodb table success", "item_count", output.Count)
		pages = append(pages, Map(output.Items, NewSubscriptionItemWithDynamoDBAttributeValues))
		if output.LastEvaluatedKey == nil {
			break
		}
		startKey = output.LastEvaluatedKey
	}
	ch := make(chan []*SubscriptionItem, len(pages))
	for _, page := range pages {
		ch <- page
	}
	close(ch)
	return ch, nil
}

func (s *DynamoDBStorage) SaveSubscription(ctx context.Context, item *SubscriptionItem) error {
	slog.DebugContext(ctx, "put item to dynamodb table", "subscription_id", item.SubscriptionID, "table_name", s.tableName)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item.ToDynamoDBAttributeValues(),
		ConditionExpression: aws.String("attribute_not_exists(SubscriptionID)"),
	})
	if err != nil {
		var ae smithy.APIError
		slog.WarnContext(ctx, "failed put item to dynamodb table", "subscription_id", item.SubscriptionID, "table_name", s.tableName, "error", err)
		if errors.As(err, &ae) {
			if ae.ErrorCode() == "ConditionalCheckFailedException" {
				return &SubscriptionAlreadyExists{SubscriptionID: item.SubscriptionID}
			}
		}
		return err
	}
	slog.InfoContext(ctx, "put item to dynamodb table", "subscription_id", item.SubscriptionID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) UpdateSubscription(ctx context.Context, target *SubscriptionItem) error {
	slog.DebugContext(ctx, "update item in dynamodb table", "subscription_id", target.SubscriptionID, "table_name", s.tableName)
	values := target.ToDynamoDBAttributeValues()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"SubscriptionID": &types.AttributeValueMemberS{
				Value: target.SubscriptionID,
			},
		},
		UpdateExpression:    aws.String("SET #Expiration=:Expiration,#Active=:Active,#UpdatedAt=:UpdatedAt"),
		ConditionExpression: aws.String("attribute_exists(SubscriptionID) AND UpdatedAt < :UpdatedAt"),
		ExpressionAttributeNames: map[string]string{
			"#Expiration": "Expiration",
			"#Active":     "Active",
			"#UpdatedAt":  "UpdatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":Expiration": values["Expiration"],
			":Active":     values["Active"],
			":UpdatedAt":  values["UpdatedAt"],
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed update item in dynamodb table", "subscription_id", target.SubscriptionID, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "update item in dynamodb table",
		"subscription_id", target.SubscriptionID,
		"table_name", s.tableName,
		"expiration", target.Expiration.Format(time.RFC3339),
		"active", target.Active,
	)
	return nil
}

func (s *DynamoDBStorage) DeleteSubscription(ctx context.Context, target *SubscriptionItem) error {
	slog.DebugContext(ctx, "delete item from dynamodb table", "subscription_id", target.SubscriptionID, "table_name", s.tableName)
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"SubscriptionID": &types.AttributeValueMemberS{
				Value: target.SubscriptionID,
			},
		},
		ConditionExpression: aws.String("attribute_exists(SubscriptionID)"),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed delete item from dynamodb table", "subscription_id", target.SubscriptionID, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "delete item from dynamodb table", "subscription_id", target.SubscriptionID, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) FindOneBySubscriptionID(ctx context.Context, subscriptionID string) (*SubscriptionItem, error) {
	slog.DebugContext(ctx, "get item from dynamodb table", "subscription_id", subscriptionID, "table_name", s.tableName)
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"SubscriptionID": &types.AttributeValueMemberS{
				Value: subscriptionID,
			},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get item from dynamodb table", "subscription_id", subscriptionID, "table_name", s.tableName, "error", err)
		return nil, err
	}
	if len(output.Item) == 0 {
		return nil, &SubscriptionNotFound{SubscriptionID: subscriptionID}
	}
	return NewSubscriptionItemWithDynamoDBAttributeValues(output.Item), nil
}

type FileStorage struct {
	Items []*SubscriptionItem

	LockFile string
	FilePath string
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	s := &FileStorage{
		FilePath: filepath.Join(cfg.DataDir, "calnotify_subscriptions.dat"),
		LockFile: filepath.Join(cfg.DataDir, "calnotify_subscriptions.lock"),
	}
	return s, nil
}

func (s *FileStorage) FindAllSubscriptions(ctx context.Context) (<-chan []*SubscriptionItem, error) {
	var items []*SubscriptionItem
	if err := fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		items = s.Items
		return nil
	}); err != nil {
		return nil, err
	}
	ch := make(chan []*SubscriptionItem, 1)
	ch <- items
	close(ch)
	return ch, nil
}

func (s *FileStorage) SaveSubscription(ctx context.Context, item *SubscriptionItem) error {
	return fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		for _, c := range s.Items {
			if c.SubscriptionID == item.SubscriptionID {
				return &SubscriptionAlreadyExists{SubscriptionID: item.SubscriptionID}
			}
		}
		s.Items = append(s.Items, item)
		return nil
	})
}

func (s *FileStorage) UpdateSubscription(ctx context.Context, target *SubscriptionItem) error {
	return fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		for i, c := range s.Items {
			if c.SubscriptionID == target.SubscriptionID {
				slog.DebugContext(ctx, "update subscription",
					"subscription_id", target.SubscriptionID,
					"old_expiration", s.Items[i].Expiration.Format(time.RFC3339),
					"new_expiration", target.Expiration.Format(time.RFC3339),
					"active", target.Active,
				)
				s.Items[i] = target
				return nil
			}
		}
		return &SubscriptionNotFound{SubscriptionID: target.SubscriptionID}
	})
}

func (s *FileStorage) DeleteSubscription(ctx context.Context, target *SubscriptionItem) error {
	return fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		for i, item := range s.Items {
			if target.SubscriptionID == item.SubscriptionID {
				s.Items = append(s.Items[:i], s.Items[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (s *FileStorage) FindOneBySubscriptionID(ctx context.Context, subscriptionID string) (*SubscriptionItem, error) {
	var ret *SubscriptionItem
	if err := fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		for _, item := range s.Items {
			if item.SubscriptionID == subscriptionID {
				ret = item
				return nil
			}
		}
		return &SubscriptionNotFound{SubscriptionID: subscriptionID}
	}); err != nil {
		slog.DebugContext(ctx, "failed read", "error", err)
		return nil, err
	}
	return ret, nil
}

// fileTransactional serializes access to a gob-encoded data file with a lock
// file. The state value is restored before fn runs and persisted after it
// succeeds.
func fileTransactional(ctx context.Context, lockFile string, state any, filePath string, fn func(context.Context) error) error {
	fileLock := flock.New(lockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}

	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "error", err)
		}
	}()
	if err := fileRestore(ctx, state, filePath); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		slog.DebugContext(ctx, "transactional function failed", "error", err)
		return err
	}
	if err := fileStore(ctx, state, filePath); err != nil {
		return err
	}
	return nil
}

func fileRestore(ctx context.Context, state any, filePath string) error {
	fp, err := os.Open(filePath)
	if err != nil {
		slog.DebugContext(ctx, "file storage restore skipped", "error", err)
		return nil
	}
	defer fp.Close()
	decoder := gob.NewDecoder(fp)
	if err := decoder.Decode(state); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file storage", "error", err)
		return err
	}
	return nil
}

func fileStore(ctx context.Context, state any, filePath string) error {
	fp, err := os.Create(filePath)
	if err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: create file", "error", err)
		return err
	}
	defer fp.Close()
	encoder := gob.NewEncoder(fp)
	if err := encoder.Encode(state); err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: encode gob", "error", err)
		return err
	}
	slog.DebugContext(ctx, "file storage store", "file_path", filePath)
	return nil
}
