package s3

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/lsmgo/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDB is an in-memory DDBClient honoring the conditional put.
type fakeDDB struct {
	items map[string]map[uint64]string // base_uri -> version -> manifest
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: map[string]map[uint64]string{}}
}

func (f *fakeDDB) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	uri := params.Item["base_uri"].(*ddbtypes.AttributeValueMemberS).Value
	var version uint64
	fmt.Sscanf(params.Item["version"].(*ddbtypes.AttributeValueMemberN).Value, "%d", &version)
	manifest := params.Item["manifest"].(*ddbtypes.AttributeValueMemberS).Value

	if f.items[uri] == nil {
		f.items[uri] = map[uint64]string{}
	}
	if _, exists := f.items[uri][version]; exists {
		return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[uri][version] = manifest
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	uri := params.ExpressionAttributeValues[":uri"].(*ddbtypes.AttributeValueMemberS).Value
	versions := f.items[uri]
	if len(versions) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}

	keys := make([]uint64, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	latest := keys[0]

	return &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{{
			"version":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", latest)},
			"manifest": &ddbtypes.AttributeValueMemberS{Value: versions[latest]},
		}},
	}, nil
}

func TestCommitStoreCurrentRoundTrip(t *testing.T) {
	ctx := context.Background()
	cs := NewCommitStore(nil, newFakeDDB(), "lsmgo-commits", "s3://bucket/mydb")

	_, err := cs.Open(ctx, "CURRENT")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, cs.Put(ctx, "CURRENT", []byte("MANIFEST-000001")))

	b, err := cs.Open(ctx, "CURRENT")
	require.NoError(t, err)
	buf := make([]byte, b.Size())
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001", string(buf))

	// Newer commit wins.
	require.NoError(t, cs.Put(ctx, "CURRENT", []byte("MANIFEST-000002")))
	b, err = cs.Open(ctx, "CURRENT")
	require.NoError(t, err)
	buf = make([]byte, b.Size())
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000002", string(buf))
}

func TestCommitStoreDetectsConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()

	a := NewCommitStore(nil, ddb, "lsmgo-commits", "s3://bucket/mydb")
	b := NewCommitStore(nil, ddb, "lsmgo-commits", "s3://bucket/mydb")

	require.NoError(t, a.Put(ctx, "CURRENT", []byte("MANIFEST-000001")))

	// A competing commit of the same next version lands between c's
	// Query and PutItem.
	slow := &racingDDB{fakeDDB: ddb}
	c := NewCommitStore(nil, slow, "lsmgo-commits", "s3://bucket/mydb")
	err := c.Put(ctx, "CURRENT", []byte("MANIFEST-000002"))
	assert.ErrorIs(t, err, ErrConcurrentCommit)
	_ = b
}

// racingDDB injects a competing commit between Query and PutItem.
type racingDDB struct {
	*fakeDDB
}

func (r *racingDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	uri := params.Item["base_uri"].(*ddbtypes.AttributeValueMemberS).Value
	var version uint64
	fmt.Sscanf(params.Item["version"].(*ddbtypes.AttributeValueMemberN).Value, "%d", &version)
	if r.items[uri] == nil {
		r.items[uri] = map[uint64]string{}
	}
	r.items[uri][version] = "raced"
	return r.fakeDDB.PutItem(ctx, params, optFns...)
}
