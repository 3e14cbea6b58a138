package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/lsmgo/blobstore"
)

// currentName is the virtual blob holding the committed manifest pointer.
const currentName = "CURRENT"

// ErrConcurrentCommit is returned when another writer committed a
// manifest version first.
var ErrConcurrentCommit = errors.New("concurrent manifest commit detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore wraps an S3 store with a DynamoDB commit log so manifest
// updates are atomic. S3 offers no compare-and-swap; a conditional
// DynamoDB write provides it:
//   - segment and manifest blobs go straight to S3
//   - writing CURRENT performs a conditional put of the next manifest
//     version, so two engines flushing against the same prefix cannot
//     silently overwrite each other's manifest pointer
//
// Table schema: partition key base_uri (S), sort key version (N).
type CommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.Store = (*CommitStore)(nil)

// NewCommitStore creates a commit store. baseURI identifies the engine's
// S3 prefix (e.g. "s3://bucket/mydb") and is used as the partition key.
func NewCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob. Opening CURRENT resolves the committed manifest
// pointer from DynamoDB.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name == currentName {
		version, manifest, err := s.latestVersion(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, blobstore.ErrNotFound
		}
		return &pointerBlob{content: []byte(manifest)}, nil
	}
	return s.s3Store.Open(ctx, name)
}

// Create creates a blob for streaming writes.
func (s *CommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if name == currentName {
		return nil, errors.New("CURRENT must be written via Put")
	}
	return s.s3Store.Create(ctx, name)
}

// Put writes a blob. Writing CURRENT commits the manifest pointer through
// DynamoDB.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == currentName {
		return s.commitVersion(ctx, string(data))
	}
	return s.s3Store.Put(ctx, name, data)
}

// Delete removes a blob.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	return s.s3Store.Delete(ctx, name)
}

// List returns all blob names with the given prefix, sorted.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.s3Store.List(ctx, prefix)
}

func (s *CommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid version attribute in commit log")
	}
	manifestAttr, ok := item["manifest"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid manifest attribute in commit log")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("failed to parse commit version: %w", err)
	}
	return version, manifestAttr.Value, nil
}

func (s *CommitStore) commitVersion(ctx context.Context, manifest string) error {
	current, _, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	next := current + 1

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"base_uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
			"version":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", next)},
			"manifest": &ddbtypes.AttributeValueMemberS{Value: manifest},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("failed to commit manifest version: %w", err)
	}
	return nil
}

// pointerBlob serves the resolved CURRENT content from memory.
type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) Close() error { return nil }
func (b *pointerBlob) Size() int64  { return int64(len(b.content)) }

func (b *pointerBlob) ReadAt(p []byte, off int64) (int, error) {
	r := bytes.NewReader(b.content)
	return r.ReadAt(p, off)
}
