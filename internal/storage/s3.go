package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsCreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lychee-technology/parquedb"
	"github.com/lychee-technology/parquedb/internal/circuitbreaker"
)

// breakerThreshold/Window/Cooldown mirror forma's conservative defaults for
// guarding an external network dependency behind a sliding window.
const (
	breakerThreshold = 5
	breakerWindow    = 30 * time.Second
	breakerCooldown  = 15 * time.Second
)

// S3 is a Backend over an S3 bucket. Write stages the object at a temporary
// key and copies it to its final key, so a reader racing the write either
// sees nothing at the final key or the whole object — never a partial
// upload. Grounded directly on forma's internal/cdc/flusher.go, which applies
// the same tmp-key-then-CopyObject discipline to its Parquet delta files.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
	breaker *circuitbreaker.Breaker
	uploader *manager.Uploader
}

// S3Config configures the S3 backend. Region and credentials fall back to
// the default AWS SDK chain (environment, shared config, instance role) when
// left blank, the same as flusher.go's RunOnce.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3 builds an S3 backend, resolving AWS config the way flusher.go does:
// load the default chain, then override region and static credentials from
// explicit config or environment variables if present.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, parquedb.NewUnavailableError("load AWS config", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	accessKey := cfg.AccessKeyID
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	secretKey := cfg.SecretAccessKey
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if accessKey != "" {
		awsCfg.Credentials = awsCreds.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.TrimSuffix(cfg.Prefix, "/"),
		logger:   logger,
		breaker:  circuitbreaker.New(breakerThreshold, breakerWindow, breakerCooldown),
		uploader: manager.NewUploader(client),
	}, nil
}

func (b *S3) key(path string) string {
	if b.prefix == "" {
		return path
	}
	return b.prefix + "/" + strings.TrimPrefix(path, "/")
}

// withBreaker short-circuits to Unavailable when the breaker is tripped,
// otherwise runs fn and records its outcome against the breaker.
func (b *S3) withBreaker(fn func() error) error {
	if b.breaker.IsOpen() {
		return parquedb.NewUnavailableError("circuit breaker open for S3 backend", nil)
	}
	err := fn()
	if err != nil {
		b.breaker.RecordFailure()
	} else {
		b.breaker.RecordSuccess()
	}
	return err
}

func (b *S3) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteStream(ctx, path, bytes.NewReader(data))
}

// WriteStream uploads r to a temporary key, then copies it to path's final
// key and removes the temporary object, matching flusher.go's
// stage-then-CopyTmpToFinal sequence.
func (b *S3) WriteStream(ctx context.Context, path string, r io.Reader) error {
	finalKey := b.key(path)
	tmpKey := b.key(fmt.Sprintf("_tmp/%s/%s", uuid.Must(uuid.NewV7()).String(), path))

	err := b.withBreaker(func() error {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(tmpKey),
			Body:   r,
		})
		return err
	})
	if err != nil {
		return parquedb.NewUnavailableError("upload to staging key", err)
	}

	err = b.withBreaker(func() error {
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + tmpKey),
			Key:        aws.String(finalKey),
		})
		return err
	})
	if err != nil {
		return parquedb.NewUnavailableError("copy staging object to final key", err)
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(tmpKey),
	}); err != nil {
		b.logger.Sugar().Warnw("failed to clean up staging object", "key", tmpKey, "err", err)
	}

	b.logger.Sugar().Infow("wrote object", "bucket", b.bucket, "key", finalKey)
	return nil
}

func (b *S3) Read(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := b.withBreaker(func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return nil, parquedb.NewUnavailableError("read object", err)
	}
	return out, nil
}

func (b *S3) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	var out []byte
	err := b.withBreaker(func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return nil, parquedb.NewUnavailableError("read object range", err)
	}
	return out, nil
}

func (b *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.withBreaker(func() error {
		paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(b.key(prefix)),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if b.prefix != "" {
					key = strings.TrimPrefix(key, b.prefix+"/")
				}
				if !strings.Contains(key, "/_tmp/") {
					out = append(out, key)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, parquedb.NewUnavailableError("list objects", err)
	}
	sort.Strings(out)
	return out, nil
}

func (b *S3) Delete(ctx context.Context, path string) error {
	err := b.withBreaker(func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
		})
		return err
	})
	if err != nil {
		return parquedb.NewUnavailableError("delete object", err)
	}
	return nil
}

func (b *S3) Exists(ctx context.Context, path string) (bool, error) {
	err := b.withBreaker(func() error {
		_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
		})
		return err
	})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, parquedb.NewUnavailableError("head object", err)
}

func (b *S3) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := b.withBreaker(func() error {
		resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(path)),
		})
		if err != nil {
			return err
		}
		size = aws.ToInt64(resp.ContentLength)
		return nil
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, parquedb.NewError(parquedb.ErrorTypeNotFound, "object_not_found", "object not found: "+path)
		}
		return 0, parquedb.NewUnavailableError("head object", err)
	}
	return size, nil
}

func isNoSuchKey(err error) bool {
	var nf *types.NoSuchKey
	if ok := asNoSuchKey(err, &nf); ok {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}

func asNoSuchKey(err error, target **types.NoSuchKey) bool {
	for err != nil {
		if nf, ok := err.(*types.NoSuchKey); ok {
			*target = nf
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
