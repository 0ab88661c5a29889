package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// User-metadata keys reserved by the S3 store. Artifact metadata is stored under metaPrefix.
const (
	s3KeyType      = "tf-type"
	s3KeyEncoding  = "tf-encoding"
	s3KeyHash      = "tf-hash"
	s3KeyCreatedAt = "tf-created-at"
	s3KeyDeletedAt = "tf-deleted-at"
	metaPrefix     = "m-"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	Endpoint        string // host:port for MinIO, empty for AWS
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	PathPrefix      string
}

// S3Store keeps artifact content in object bodies and artifact fields in user metadata.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.PathPrefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

func (s *S3Store) key(id string) string {
	if s.prefix == "" {
		return "artifacts/" + id
	}
	return s.prefix + "/artifacts/" + id
}

func (s *S3Store) Put(ctx context.Context, req PutRequest) (Ref, error) {
	req, err := normalize(req)
	if err != nil {
		return Ref{}, err
	}
	id := newID()
	hash := Hash(req.Content)
	meta := map[string]string{
		s3KeyType:      string(req.Type),
		s3KeyEncoding:  req.Encoding,
		s3KeyHash:      hash,
		s3KeyCreatedAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range req.Metadata {
		meta[metaPrefix+k] = v
	}
	key := s.key(id)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(req.Content),
		ContentType:   aws.String(contentType(req.Type)),
		ContentLength: aws.Int64(int64(len(req.Content))),
		Metadata:      meta,
	})
	if err != nil {
		return Ref{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Ref{ID: id, URI: fmt.Sprintf("s3://%s/%s", s.bucket, key), Hash: hash}, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (core.Artifact, error) {
	key := s.key(id)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return core.Artifact{}, ErrNotFound
		}
		return core.Artifact{}, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return core.Artifact{}, fmt.Errorf("read object %s: %w", key, err)
	}
	art := fromS3Metadata(id, out.Metadata)
	art.Content = string(body)
	art.URI = fmt.Sprintf("s3://%s/%s", s.bucket, key)
	return art, nil
}

func (s *S3Store) GetMany(ctx context.Context, ids []string) (map[string]core.Artifact, error) {
	out := make(map[string]core.Artifact, len(ids))
	for _, id := range ids {
		art, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = art
	}
	return out, nil
}

func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(id))})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, deleted := out.Metadata[s3KeyDeletedAt]
	return !deleted, nil
}

// Delete rewrites the object's user metadata with a deletion stamp; the body is copied unchanged.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	key := s.key(id)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if _, ok := head.Metadata[s3KeyDeletedAt]; ok {
		return nil
	}
	meta := make(map[string]string, len(head.Metadata)+1)
	for k, v := range head.Metadata {
		meta[k] = v
	}
	meta[s3KeyDeletedAt] = s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + key),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
	})
	if err != nil {
		return fmt.Errorf("stamp delete on %s: %w", key, err)
	}
	return nil
}

func fromS3Metadata(id string, meta map[string]string) core.Artifact {
	art := core.Artifact{ID: id, Metadata: map[string]string{}}
	for k, v := range meta {
		k = strings.ToLower(k)
		switch {
		case k == s3KeyType:
			art.Type = core.ArtifactType(v)
		case k == s3KeyEncoding:
			art.Encoding = v
		case k == s3KeyHash:
			art.Hash = v
		case k == s3KeyCreatedAt:
			art.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
		case k == s3KeyDeletedAt:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				art.DeletedAt = &ts
				art.Metadata[core.MetaDeletedAt] = v
			}
		case strings.HasPrefix(k, metaPrefix):
			art.Metadata[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return art
}

func contentType(t core.ArtifactType) string {
	switch t {
	case core.ArtifactJSON:
		return "application/json"
	case core.ArtifactMarkdown:
		return "text/markdown; charset=utf-8"
	case core.ArtifactCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

var _ Store = (*S3Store)(nil)
