package calnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ResponseState is an attendee's response to a calendar event.
type ResponseState string

const (
	ResponseStateNone      ResponseState = "none"
	ResponseStateAccepted  ResponseState = "accepted"
	ResponseStateDeclined  ResponseState = "declined"
	ResponseStateTentative ResponseState = "tentative"
)

// ParseResponseState normalizes a provider response value. Unknown values
// collapse to "none".
func ParseResponseState(s string) ResponseState {
	switch s {
	case "accepted", "organizer":
		return ResponseStateAccepted
	case "declined":
		return ResponseStateDeclined
	case "tentative", "tentativelyAccepted":
		return ResponseStateTentative
	default:
		return ResponseStateNone
	}
}

// ResourceSnapshot is the last known full state of a watched resource.
// Snapshots are immutable once stored; a save replaces the prior snapshot
// for the same resource entirely.
type ResourceSnapshot struct {
	ResourceID     string
	ETag           string
	AttendeeStates map[string]ResponseState
	CapturedAt     time.Time
}

// SnapshotStorage defines the interface for durable resource snapshots.
type SnapshotStorage interface {
	FindSnapshot(context.Context, string) (*ResourceSnapshot, error)
	SaveSnapshot(context.Context, *ResourceSnapshot) error
	DeleteSnapshot(context.Context, string) error
}

type SnapshotNotFound struct {
	ResourceID string
}

func (err *SnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot resource_id:%s not found", err.ResourceID)
}

// NewSnapshotStorage creates a SnapshotStorage implementation based on the
// configuration type.
func NewSnapshotStorage(ctx context.Context, cfg StorageOption) (SnapshotStorage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBSnapshotStorage(ctx, cfg)
	case "file":
		return NewFileSnapshotStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

type DynamoDBSnapshotStorage struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBSnapshotStorage(ctx context.Context, cfg StorageOption) (*DynamoDBSnapshotStorage, error) {
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	s := &DynamoDBSnapshotStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.SnapshotTableName,
	}
	if err := prepareTable(ctx, s.client, s.tableName, "ResourceID", cfg.AutoCreate); err != nil {
		return nil, err
	}
	return s, nil
}

func newResourceSnapshotWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *ResourceSnapshot {
	snapshot := &ResourceSnapshot{
		AttendeeStates: make(map[string]ResponseState),
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ResourceID", values); ok {
		snapshot.ResourceID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("ETag", values); ok {
		snapshot.ETag = v.Value
	}
	if t, ok := attributeValueAsTime("CapturedAt", values); ok {
		snapshot.CapturedAt = t
	}
	if m, ok := GetAttributeValueAs[*types.AttributeValueMemberM]("AttendeeStates", values); ok {
		for id, value := range m.Value {
			if v, ok := value.(*types.AttributeValueMemberS); ok {
				snapshot.AttendeeStates[id] = ResponseState(v.Value)
			}
		}
	}
	return snapshot
}

func (snapshot *ResourceSnapshot) toDynamoDBAttributeValues() map[string]types.AttributeValue {
	states := make(map[string]types.AttributeValue, len(snapshot.AttendeeStates))
	for id, state := range snapshot.AttendeeStates {
		states[id] = &types.AttributeValueMemberS{Value: string(state)}
	}
	return map[string]types.AttributeValue{
		"ResourceID": &types.AttributeValueMemberS{
			Value: snapshot.ResourceID,
		},
		"ETag": &types.AttributeValueMemberS{
			Value: snapshot.ETag,
		},
		"AttendeeStates": &types.AttributeValueMemberM{
			Value: states,
		},
		"CapturedAt": timeAttributeValue(snapshot.CapturedAt),
	}
}

func (s *DynamoDBSnapshotStorage) FindSnapshot(ctx context.Context, resourceID string) (*ResourceSnapshot, error) {
	slog.DebugContext(ctx, "get snapshot from dynamodb table", "resource_id", resourceID, "table_name", s.tableName)
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ResourceID": &types.AttributeValueMemberS{
				Value: resourceID,
			},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get snapshot from dynamodb table", "resource_id", resourceID, "table_name", s.tableName, "error", err)
		return nil, err
	}
	if len(output.Item) == 0 {
		return nil, &SnapshotNotFound{ResourceID: resourceID}
	}
	return newResourceSnapshotWithDynamoDBAttributeValues(output.Item), nil
}

func (s *DynamoDBSnapshotStorage) SaveSnapshot(ctx context.Context, snapshot *ResourceSnapshot) error {
	slog.DebugContext(ctx, "put snapshot to dynamodb table", "resource_id", snapshot.ResourceID, "table_name", s.tableName)
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      snapshot.toDynamoDBAttributeValues(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed put snapshot to dynamodb table", "resource_id", snapshot.ResourceID, "table_name", s.tableName, "error", err)
		return err
	}
	return nil
}

func (s *DynamoDBSnapshotStorage) DeleteSnapshot(ctx context.Context, resourceID string) error {
	slog.DebugContext(ctx, "delete snapshot from dynamodb table", "resource_id", resourceID, "table_name", s.tableName)
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"ResourceID": &types.AttributeValueMemberS{
				Value: resourceID,
			},
		},
	})
	if err != nil {
		slog.WarnContext(ctx, "failed delete snapshot from dynamodb table", "resource_id", resourceID, "table_name", s.tableName, "error", err)
		return err
	}
	return nil
}

type FileSnapshotStorage struct {
	Snapshots map[string]*ResourceSnapshot

	LockFile string
	FilePath string
}

func NewFileSnapshotStorage(_ context.Context, cfg StorageOption) (*FileSnapshotStorage, error) {
	s := &FileSnapshotStorage{
		Snapshots: make(map[string]*ResourceSnapshot),
		FilePath:  filepath.Join(cfg.DataDir, "calnotify_snapshots.dat"),
		LockFile:  filepath.Join(cfg.DataDir, "calnotify_snapshots.lock"),
	}
	return s, nil
}

func (s *FileSnapshotStorage) FindSnapshot(ctx context.Context, resourceID string) (*ResourceSnapshot, error) {
	var ret *ResourceSnapshot
	if err := fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		snapshot, ok := s.Snapshots[resourceID]
		if !ok {
			return &SnapshotNotFound{ResourceID: resourceID}
		}
		ret = snapshot
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileSnapshotStorage) SaveSnapshot(ctx context.Context, snapshot *ResourceSnapshot) error {
	return fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		if s.Snapshots == nil {
			s.Snapshots = make(map[string]*ResourceSnapshot)
		}
		s.Snapshots[snapshot.ResourceID] = snapshot
		return nil
	})
}

func (s *FileSnapshotStorage) DeleteSnapshot(ctx context.Context, resourceID string) error {
	return fileTransactional(ctx, s.LockFile, s, s.FilePath, func(context.Context) error {
		delete(s.Snapshots, resourceID)
		return nil
	})
}
