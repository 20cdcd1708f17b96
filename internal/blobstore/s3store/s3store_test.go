package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/common"
)

// fakeS3 is a tiny in-memory S3 that honours If-None-Match on PutObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	uploads map[string]map[int32][]byte
	nextID  int
	aborted []string

	uploadPartErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
		uploads: make(map[string]map[int32][]byte),
	}
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "mp-" + strconv.Itoa(f.nextID)
	f.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.uploadPartErr != nil {
		return nil, f.uploadPartErr
	}
	b, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	f.uploads[aws.ToString(in.UploadId)][n] = b
	return &s3.UploadPartOutput{ETag: aws.String("etag-" + strconv.Itoa(int(n)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.uploads[aws.ToString(in.UploadId)]
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(parts[aws.ToInt32(p.PartNumber)])
	}
	f.objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.uploads[aws.ToString(in.UploadId)]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	delete(f.uploads, aws.ToString(in.UploadId))
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	f.objects[key] = b
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ks []string
	for k := range f.objects {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func TestStore_CheckpointedUploadRoundTrip(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "transfers/")
	ctx := context.Background()

	// staged out of order; commit order defines content
	require.NoError(t, s.Stage(ctx, "obj", "u1", blobstore.Block{ID: "b1", Seq: 1, Data: []byte("lo")}))
	require.NoError(t, s.Stage(ctx, "obj", "u1", blobstore.Block{ID: "b0", Seq: 0, Data: []byte("hel")}))

	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{UploadID: "u1", Blocks: []string{"b0"}, Conditional: true}))
	assert.Equal(t, []string{"transfers/obj.blocks"}, fake.keys())

	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{
		UploadID: "u1", Blocks: []string{"b0", "b1"}, Final: true, ContentHash: []byte{0xab},
	}))

	rc, err := s.Read(ctx, "obj")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, "ab", fake.meta["transfers/obj.blocks"]["content-md5"])
}

func TestStore_ConditionalCommitLosesToExistingManifest(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "")
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, "obj", "winner", blobstore.Block{ID: "a", Data: []byte("x")}))
	require.NoError(t, s.Stage(ctx, "obj", "loser", blobstore.Block{ID: "b", Data: []byte("y")}))

	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{UploadID: "winner", Blocks: []string{"a"}, Conditional: true}))
	err := s.Commit(ctx, "obj", blobstore.CommitRequest{UploadID: "loser", Blocks: []string{"b"}, Conditional: true, Final: true})
	assert.ErrorIs(t, err, common.ErrConflict)

	require.NoError(t, s.Discard(ctx, "obj", "loser"))
	assert.Len(t, fake.aborted, 1)
}

func TestStore_CommitUnknownBlock(t *testing.T) {
	s := New(newFakeS3(), "bucket", "")
	err := s.Commit(context.Background(), "obj", blobstore.CommitRequest{UploadID: "u", Blocks: []string{"nope"}})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestStore_DiscardWithoutStageIsNoop(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "")
	require.NoError(t, s.Discard(context.Background(), "obj", "never"))
	assert.Empty(t, fake.aborted)
}

func TestStore_ReadMissing(t *testing.T) {
	s := New(newFakeS3(), "bucket", "")
	_, err := s.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "")
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, "obj", "u", blobstore.Block{ID: "a", Data: []byte("x")}))
	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{UploadID: "u", Blocks: []string{"a"}, Conditional: true, Final: true}))
	require.NoError(t, s.Delete(ctx, "obj"))
	require.NoError(t, s.Delete(ctx, "obj"))
	assert.Empty(t, fake.keys())
}

func TestStore_StageTransientError(t *testing.T) {
	fake := newFakeS3()
	fake.uploadPartErr = &smithy.GenericAPIError{Code: "SlowDown"}
	s := New(fake, "bucket", "")

	err := s.Stage(context.Background(), "obj", "u", blobstore.Block{ID: "a"})
	assert.ErrorIs(t, err, common.ErrTransientStorage)
	assert.True(t, common.Retryable(err))
}

func TestStore_StageRejectsBlocksPastPartLimit(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "")
	ctx := context.Background()

	require.NoError(t, s.Stage(ctx, "obj", "u", blobstore.Block{ID: "last", Seq: MaxParts - 1, Data: []byte("x")}))
	assert.Contains(t, fake.uploads["mp-1"], int32(MaxParts))

	err := s.Stage(ctx, "obj", "u", blobstore.Block{ID: "over", Seq: MaxParts, Data: []byte("y")})
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.False(t, common.Retryable(err))
	assert.Len(t, fake.uploads["mp-1"], 1, "no part is sent past the limit")
}

func TestStore_ContentHash(t *testing.T) {
	fake := newFakeS3()
	s := New(fake, "bucket", "transfers/")
	ctx := context.Background()

	_, err := s.ContentHash(ctx, "obj")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, s.Stage(ctx, "obj", "u", blobstore.Block{ID: "a", Data: []byte("x")}))
	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{UploadID: "u", Blocks: []string{"a"}, Conditional: true}))
	_, err = s.ContentHash(ctx, "obj")
	assert.ErrorIs(t, err, common.ErrNotFound, "checkpoint manifests carry no digest")

	require.NoError(t, s.Commit(ctx, "obj", blobstore.CommitRequest{
		UploadID: "u", Blocks: []string{"a"}, Final: true, ContentHash: []byte{0xde, 0xad},
	}))
	h, err := s.ContentHash(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, h)
	assert.Empty(t, fake.meta["transfers/obj"], "data object carries no digest metadata")
	assert.Equal(t, "dead", fake.meta["transfers/obj.blocks"]["content-md5"])
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"precondition", &smithy.GenericAPIError{Code: "PreconditionFailed"}, common.ErrConflict},
		{"conditional conflict", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, common.ErrConflict},
		{"no such key", &types.NoSuchKey{}, common.ErrNotFound},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, common.ErrTransientStorage},
		{"cancelled", context.Canceled, common.ErrCancelled},
		{"deadline", context.DeadlineExceeded, common.ErrCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tc.err), tc.want)
		})
	}

	plain := classify("op", errors.New("access denied"))
	assert.False(t, common.Retryable(plain))
	assert.NoError(t, classify("op", nil))
}

func TestNewClient_AppliesConfig(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		assert.NotNil(t, lo.Credentials)
		return aws.Config{}, nil
	}
	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return &s3.Client{}
	}

	c, err := NewClient(context.Background(), Config{
		Region: "eu-central-1", Endpoint: "http://127.0.0.1:9000", AccessKey: "minio", SecretKey: "minio123", UsePathStyle: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, "http://127.0.0.1:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)
}

func TestNewClient_LoadError(t *testing.T) {
	orig := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = orig })

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("boom")
	}
	_, err := NewClient(context.Background(), Config{Region: "x"})
	assert.ErrorContains(t, err, "boom")
}
