package objstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map and satisfies the subset of the S3 API the
// store touches.
type fakeS3 struct {
	s3iface.S3API

	objects  map[string][]byte
	pageSize int
	gets     []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	key := aws.StringValue(in.Key)
	f.gets = append(f.gets, key)
	data, ok := f.objects[key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	prefix := aws.StringValue(in.Prefix)
	var keys []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	size := f.pageSize
	if size == 0 {
		size = len(keys)
	}
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		page := &s3.ListObjectsV2Output{}
		for _, k := range keys[start:end] {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
		if !fn(page, end == len(keys)) {
			return nil
		}
	}
	if len(keys) == 0 {
		fn(&s3.ListObjectsV2Output{}, true)
	}
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := New(fake, "artifacts")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "usage-stats/part_200.parquet", []byte("payload")))

	data, err := store.Get(ctx, "usage-stats/part_200.parquet")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestGetMissingKey(t *testing.T) {
	store := New(newFakeS3(), "artifacts")

	_, err := store.Get(context.Background(), "usage-stats/part_999.parquet")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestExists(t *testing.T) {
	fake := newFakeS3()
	fake.objects["metainfo_bike_point.parquet"] = []byte("x")
	store := New(fake, "artifacts")
	ctx := context.Background()

	ok, err := store.Exists(ctx, "metainfo_bike_point.parquet")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "missing.parquet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListFollowsPagination(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	fake.objects["weather/tasmin/part_202001.parquet"] = []byte("a")
	fake.objects["weather/tasmin/part_202002.parquet"] = []byte("b")
	fake.objects["weather/tasmax/part_202001.parquet"] = []byte("c")
	fake.objects["usage-stats/part_200.parquet"] = []byte("d")
	store := New(fake, "artifacts")

	keys, err := store.List(context.Background(), "weather/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	for _, k := range keys {
		assert.Contains(t, k, "weather/")
	}
}
