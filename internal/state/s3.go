package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratus-iac/stratus/internal/ir"
)

// S3Config configures the remote store: snapshots in an S3 bucket, advisory
// locks in an optional DynamoDB table. Without a table the store performs no
// locking, matching the common bucket-only remote-state setup.
type S3Config struct {
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	Region        string `json:"region"`
	DynamoDBTable string `json:"dynamodb_table"`
	Encrypt       bool   `json:"encrypt"` // server-side AES256
	Profile       string `json:"profile"`
}

// S3Store keeps every snapshot as an immutable object under
// <prefix>/<workspace>/snap-<serial>.json plus a workspace marker object.
type S3Store struct {
	cfg      S3Config
	s3Client *s3.Client
	dbClient *dynamodb.Client
}

const workspaceMarker = ".workspace"

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stratus"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	s := &S3Store{cfg: cfg, s3Client: s3.NewFromConfig(awsCfg)}
	if cfg.DynamoDBTable != "" {
		s.dbClient = dynamodb.NewFromConfig(awsCfg)
	}

	if _, err := s.readMarker(ctx, DefaultWorkspace); err != nil {
		if err := s.initWorkspace(ctx, DefaultWorkspace); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *S3Store) workspaceKey(workspace, name string) string {
	return path.Join(s.cfg.Prefix, workspace, name)
}

func (s *S3Store) snapshotKey(workspace string, serial int64) string {
	return s.workspaceKey(workspace, fmt.Sprintf("%s%08d%s", snapPrefix, serial, snapSuffix))
}

func (s *S3Store) initWorkspace(ctx context.Context, name string) error {
	if err := s.putObject(ctx, s.workspaceKey(name, workspaceMarker), []byte("{}")); err != nil {
		return err
	}
	return s.putSnapshot(ctx, name, emptySnapshot())
}

func (s *S3Store) CreateWorkspace(ctx context.Context, name string) error {
	if _, err := s.readMarker(ctx, name); err == nil {
		return &WorkspaceExistsError{Workspace: name}
	}
	return s.initWorkspace(ctx, name)
}

func (s *S3Store) DeleteWorkspace(ctx context.Context, name string) error {
	if name == DefaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}
	current, err := s.Read(ctx, name)
	if err != nil {
		return err
	}
	if !current.Empty() {
		return &WorkspaceNotEmptyError{Workspace: name, Resources: len(current.Resources)}
	}

	keys, err := s.listKeys(ctx, path.Join(s.cfg.Prefix, name)+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("failed to delete s3://%s/%s: %w", s.cfg.Bucket, key, err)
		}
	}
	return nil
}

func (s *S3Store) ListWorkspaces(ctx context.Context) ([]string, error) {
	prefix := s.cfg.Prefix + "/"
	out, err := s.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	var names []string
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Store) AcquireLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, error) {
	if _, err := s.readMarker(ctx, workspace); err != nil {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if s.dbClient == nil {
		return newLockToken(workspace, opts), nil
	}
	for {
		token, conflict, err := s.tryLock(ctx, workspace, opts)
		if err != nil {
			return nil, err
		}
		if conflict == nil {
			return token, nil
		}
		if !opts.Wait {
			return nil, conflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *S3Store) tryLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, *LockConflictError, error) {
	token := newLockToken(workspace, opts)
	lockID := s.workspaceKey(workspace, "")

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.DynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":   &dbtypes.AttributeValueMemberS{Value: lockID},
			"ID":       &dbtypes.AttributeValueMemberS{Value: token.ID},
			"Holder":   &dbtypes.AttributeValueMemberS{Value: token.Holder},
			"Created":  &dbtypes.AttributeValueMemberS{Value: token.AcquiredAt.UTC().Format(time.RFC3339)},
			"Expires":  &dbtypes.AttributeValueMemberS{Value: token.ExpiresAt.UTC().Format(time.RFC3339)},
			"Workspce": &dbtypes.AttributeValueMemberS{Value: workspace},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err == nil {
		return token, nil, nil
	}

	var ccf *dbtypes.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	holder, acquiredAt := s.lockHolder(ctx, lockID)
	return nil, &LockConflictError{Workspace: workspace, Holder: holder, AcquiredAt: acquiredAt}, nil
}

func (s *S3Store) lockHolder(ctx context.Context, lockID string) (string, time.Time) {
	out, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: lockID},
		},
	})
	if err != nil || out.Item == nil {
		return "unknown", time.Time{}
	}
	holder := "unknown"
	if v, ok := out.Item["Holder"].(*dbtypes.AttributeValueMemberS); ok {
		holder = v.Value
	}
	var acquiredAt time.Time
	if v, ok := out.Item["Created"].(*dbtypes.AttributeValueMemberS); ok {
		acquiredAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	return holder, acquiredAt
}

func (s *S3Store) ReleaseLock(ctx context.Context, token *LockToken) error {
	if s.dbClient == nil {
		return nil
	}
	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.workspaceKey(token.Workspace, "")},
		},
		ConditionExpression: aws.String("ID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: token.ID},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil // superseded; not ours to remove
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, workspace string) (*ir.Snapshot, error) {
	serials, err := s.serials(ctx, workspace)
	if err != nil {
		return nil, err
	}
	return s.getSnapshot(ctx, workspace, serials[len(serials)-1])
}

func (s *S3Store) Commit(ctx context.Context, workspace string, token *LockToken, muts []Mutation) (*ir.Snapshot, error) {
	if err := s.validateToken(ctx, token); err != nil {
		return nil, err
	}
	current, err := s.Read(ctx, workspace)
	if err != nil {
		return nil, err
	}
	next, err := nextSnapshot(current, muts)
	if err != nil {
		return nil, err
	}
	if err := s.putSnapshot(ctx, workspace, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *S3Store) Snapshots(ctx context.Context, workspace string) ([]ir.SnapshotMeta, error) {
	serials, err := s.serials(ctx, workspace)
	if err != nil {
		return nil, err
	}
	metas := make([]ir.SnapshotMeta, 0, len(serials))
	for _, serial := range serials {
		snap, err := s.getSnapshot(ctx, workspace, serial)
		if err != nil {
			return nil, err
		}
		metas = append(metas, ir.SnapshotMeta{
			Serial:    snap.Serial,
			TakenAt:   snap.TakenAt,
			Resources: len(snap.Resources),
		})
	}
	return metas, nil
}

func (s *S3Store) SnapshotAt(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error) {
	serials, err := s.serials(ctx, workspace)
	if err != nil {
		return nil, err
	}
	for _, have := range serials {
		if have == serial {
			return s.getSnapshot(ctx, workspace, serial)
		}
	}
	return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
}

func (s *S3Store) Restore(ctx context.Context, workspace string, token *LockToken, serial int64) (*ir.Snapshot, error) {
	if err := s.validateToken(ctx, token); err != nil {
		return nil, err
	}
	target, err := s.SnapshotAt(ctx, workspace, serial)
	if err != nil {
		return nil, err
	}
	current, err := s.Read(ctx, workspace)
	if err != nil {
		return nil, err
	}
	restored := target.Clone()
	restored.Serial = current.Serial + 1
	restored.TakenAt = time.Now().UTC()
	if err := s.putSnapshot(ctx, workspace, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *S3Store) validateToken(ctx context.Context, token *LockToken) error {
	if token == nil || token.Expired() {
		return &StaleLockError{Workspace: ""}
	}
	if s.dbClient == nil {
		return nil
	}
	out, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.workspaceKey(token.Workspace, "")},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to verify lock: %w", err)
	}
	id, ok := out.Item["ID"].(*dbtypes.AttributeValueMemberS)
	if out.Item == nil || !ok || id.Value != token.ID {
		return &StaleLockError{Workspace: token.Workspace, ID: token.ID}
	}
	return nil
}

func (s *S3Store) serials(ctx context.Context, workspace string) ([]int64, error) {
	keys, err := s.listKeys(ctx, path.Join(s.cfg.Prefix, workspace)+"/")
	if err != nil {
		return nil, err
	}
	var serials []int64
	for _, key := range keys {
		name := path.Base(key)
		if !strings.HasPrefix(name, snapPrefix) || !strings.HasSuffix(name, snapSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, snapPrefix), snapSuffix)
		serial, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		serials = append(serials, serial)
	}
	if len(serials) == 0 {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	return serials, nil
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.cfg.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) readMarker(ctx context.Context, workspace string) ([]byte, error) {
	return s.getObject(ctx, s.workspaceKey(workspace, workspaceMarker))
}

func (s *S3Store) getSnapshot(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error) {
	raw, err := s.getObject(ctx, s.snapshotKey(workspace, serial))
	if err != nil {
		return nil, err
	}
	raw, err = DecryptState(raw)
	if err != nil {
		return nil, err
	}
	var snap ir.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt remote snapshot: %w", err)
	}
	return &snap, nil
}

func (s *S3Store) putSnapshot(ctx context.Context, workspace string, snap *ir.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	data, err = EncryptState(data)
	if err != nil {
		return err
	}
	return s.putObject(ctx, s.snapshotKey(workspace, snap.Serial), data)
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.cfg.Bucket, key, err)
		}
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if s.cfg.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}
	return nil
}

var _ Store = (*S3Store)(nil)
