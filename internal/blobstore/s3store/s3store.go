// Package s3store implements blobstore.Store on S3-compatible storage.
//
// Each upload attempt maps to one multipart upload; a block becomes part
// Seq+1. Checkpoint commits are recorded in a small manifest object next to
// the data key, and the first commit of an attempt writes that manifest with
// If-None-Match: * so that only one attempt can initialize an object.
//
// The content digest of a completed object lives on its manifest, both in
// the JSON body and as x-amz-meta-content-md5, and not on the data object:
// completing a multipart upload cannot set metadata, and a server-side copy
// to add it is limited to 5 GB. ContentHash reads it back.
//
// S3 caps a multipart upload at MaxParts parts, and every part but the last
// must be at least MinPartSize bytes. Stage rejects blocks past the part
// limit; the block size is checked by the server configuration.
package s3store

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/multierr"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/common"
)

// Multipart upload limits imposed by S3.
const (
	MinPartSize = 5 << 20
	MaxParts    = 10000
)

// Client is the subset of *s3.Client used by Store.
type Client interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	KeyPrefix    string
	UsePathStyle bool
}

// seams for tests
var (
	loadDefaultAWSConfig  = awsconfig.LoadDefaultConfig
	newS3ClientFromConfig = s3.NewFromConfig
)

// NewClient builds an S3 client from cfg. Static credentials are used when
// an access key is configured, otherwise the default AWS chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

type session struct {
	mu       sync.Mutex
	s3ID     string
	parts    map[string]types.CompletedPart
	finished bool
}

// Store is a blobstore.Store backed by an S3 bucket.
type Store struct {
	client Client
	bucket string
	prefix string

	mu       sync.Mutex
	sessions map[string]*session
}

var _ blobstore.Store = (*Store)(nil)

func New(client Client, bucket, prefix string) *Store {
	return &Store{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		sessions: make(map[string]*session),
	}
}

func (s *Store) key(objectID string) string {
	return s.prefix + objectID
}

func (s *Store) manifestKey(objectID string) string {
	return s.prefix + objectID + ".blocks"
}

func (s *Store) session(uploadID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		sess = &session{parts: make(map[string]types.CompletedPart)}
		s.sessions[uploadID] = sess
	}
	return sess
}

func (s *Store) forget(uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, uploadID)
}

// multipartID lazily opens the multipart upload for sess.
func (s *Store) multipartID(ctx context.Context, objectID string, sess *session) (string, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.s3ID != "" {
		return sess.s3ID, nil
	}
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(objectID)),
	})
	if err != nil {
		return "", classify("create multipart upload", err)
	}
	sess.s3ID = aws.ToString(out.UploadId)
	return sess.s3ID, nil
}

func (s *Store) Stage(ctx context.Context, objectID, uploadID string, blk blobstore.Block) error {
	if blk.Seq < 0 || blk.Seq >= MaxParts {
		return fmt.Errorf("block %d outside the %d part limit: %w", blk.Seq, MaxParts, common.ErrValidation)
	}

	sess := s.session(uploadID)
	mpID, err := s.multipartID(ctx, objectID, sess)
	if err != nil {
		return err
	}

	partNumber := int32(blk.Seq + 1)
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(objectID)),
		UploadId:      aws.String(mpID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(blk.Data),
		ContentLength: aws.Int64(int64(len(blk.Data))),
	})
	if err != nil {
		return classify("upload part", err)
	}

	sess.mu.Lock()
	sess.parts[blk.ID] = types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)}
	sess.mu.Unlock()
	return nil
}

type manifest struct {
	UploadID   string   `json:"upload_id"`
	Blocks     []string `json:"blocks"`
	Final      bool     `json:"final"`
	ContentMD5 string   `json:"content_md5,omitempty"`
}

func (s *Store) putManifest(ctx context.Context, objectID string, m manifest, conditional bool) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.manifestKey(objectID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if m.ContentMD5 != "" {
		in.Metadata = map[string]string{"content-md5": m.ContentMD5}
	}
	if conditional {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classify("put manifest", err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, objectID string, req blobstore.CommitRequest) error {
	sess := s.session(req.UploadID)

	sess.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(req.Blocks))
	for _, id := range req.Blocks {
		p, ok := sess.parts[id]
		if !ok {
			sess.mu.Unlock()
			return fmt.Errorf("block %s not staged: %w", id, common.ErrValidation)
		}
		parts = append(parts, p)
	}
	mpID := sess.s3ID
	sess.mu.Unlock()

	m := manifest{UploadID: req.UploadID, Blocks: req.Blocks}
	if req.Conditional || !req.Final {
		if err := s.putManifest(ctx, objectID, m, req.Conditional); err != nil {
			return err
		}
	}
	if !req.Final {
		return nil
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(objectID)),
		UploadId:        aws.String(mpID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return classify("complete multipart upload", err)
	}

	sess.mu.Lock()
	sess.finished = true
	sess.mu.Unlock()
	s.forget(req.UploadID)

	m.Final = true
	m.ContentMD5 = hex.EncodeToString(req.ContentHash)
	return s.putManifest(ctx, objectID, m, false)
}

func (s *Store) Discard(ctx context.Context, objectID, uploadID string) error {
	sess := s.session(uploadID)
	defer s.forget(uploadID)

	sess.mu.Lock()
	mpID, finished := sess.s3ID, sess.finished
	sess.mu.Unlock()
	if mpID == "" || finished {
		return nil
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(objectID)),
		UploadId: aws.String(mpID),
	})
	var noUpload *types.NoSuchUpload
	if err != nil && !errors.As(err, &noUpload) {
		return classify("abort multipart upload", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, objectID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(objectID)),
	})
	if err != nil {
		return nil, classify("get object", err)
	}
	return out.Body, nil
}

// ContentHash returns the digest recorded by the final commit of objectID.
func (s *Store) ContentHash(ctx context.Context, objectID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(objectID)),
	})
	if err != nil {
		return nil, classify("get manifest", err)
	}
	defer out.Body.Close()

	var m manifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if !m.Final {
		return nil, fmt.Errorf("object %s not completed: %w", objectID, common.ErrNotFound)
	}
	return hex.DecodeString(m.ContentMD5)
}

func (s *Store) Delete(ctx context.Context, objectID string) error {
	var errs error
	for _, key := range []string{s.key(objectID), s.manifestKey(objectID)} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !errors.Is(classify("", err), common.ErrNotFound) {
			errs = multierr.Append(errs, classify("delete object", err))
		}
	}
	return errs
}

// classify maps S3 errors onto the common error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, common.Cancelled(err))
	}

	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%s: %w: %w", op, common.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w: %w", op, common.ErrConflict, err)
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w: %w", op, common.ErrNotFound, err)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
			return fmt.Errorf("%s: %w: %w", op, common.ErrTransientStorage, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return fmt.Errorf("%s: %w: %w", op, common.ErrTransientStorage, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, common.ErrTransientStorage, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
