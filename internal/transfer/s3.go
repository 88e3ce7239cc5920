package transfer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/regionsync/internal/compress"
)

// s3Client uploads with a single PutObject. S3 writes are atomic so there is
// no temp name and no resume; SHA-256 artifacts are checked by S3 itself and
// the checksum is echoed back.
type s3Client struct {
	client     *s3.Client
	httpClient *http.Client
	bucket     string
	readback   bool
}

func NewS3Client(ctx context.Context, cfg Config) (Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Kind: AuthFailure, Op: "load aws config", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Client{
		client:     client,
		httpClient: httpClient,
		bucket:     cfg.Bucket,
		readback:   cfg.VerifyReadback,
	}, nil
}

// key turns a layout path into an object key; the base path is the key prefix.
func (s *s3Client) key(remotePath string) string {
	return strings.TrimPrefix(path.Clean("/"+remotePath), "/")
}

func (s *s3Client) Upload(ctx context.Context, src Source, remotePath string) (*Receipt, error) {
	start := time.Now()
	key := s.key(remotePath)

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, &Error{Kind: RemoteIOFailure, Op: "open source", Path: src.Path, Err: err}
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          &seekableProgress{f: f, fn: src.Progress},
		ContentLength: aws.Int64(src.Size),
		Metadata: map[string]string{
			"checksum":  src.Checksum,
			"algorithm": string(src.Algorithm),
		},
	}
	if src.Algorithm == compress.ChecksumSHA256 {
		if raw, err := hex.DecodeString(src.Checksum); err == nil {
			input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
			input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(raw))
		}
	}

	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, Classify(ctx, "put", key, err)
	}

	size, err := s.Size(ctx, remotePath)
	if err != nil {
		return nil, Classify(ctx, "head", key, err)
	}

	receipt := &Receipt{RemotePath: remotePath, Size: size}
	if echoed := aws.ToString(resp.ChecksumSHA256); echoed != "" && src.Algorithm == compress.ChecksumSHA256 {
		receipt.Checksum = fromBase64(echoed)
	} else if s.readback {
		sum, err := s.download(ctx, key, src.Algorithm)
		if err != nil {
			return nil, Classify(ctx, "readback", key, err)
		}
		receipt.Checksum = sum
	}
	receipt.Duration = time.Since(start)

	slog.Debug("upload complete", "backend", TypeS3, "bucket", s.bucket, "key", key,
		"etag", strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""), "took", receipt.Duration)
	return receipt, nil
}

func (s *s3Client) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := s.Size(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *s3Client) Size(ctx context.Context, remotePath string) (int64, error) {
	key := s.key(remotePath)
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, Classify(ctx, "head", key, err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

func (s *s3Client) Checksum(ctx context.Context, remotePath string, algo compress.ChecksumAlgorithm) (string, error) {
	key := s.key(remotePath)
	if algo == compress.ChecksumSHA256 {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:       &s.bucket,
			Key:          &key,
			ChecksumMode: types.ChecksumModeEnabled,
		})
		if err != nil {
			if isNotFound(err) {
				return "", ErrNotFound
			}
			return "", Classify(ctx, "head", key, err)
		}
		if sum := aws.ToString(resp.ChecksumSHA256); sum != "" {
			return fromBase64(sum), nil
		}
	}
	if !s.readback {
		return "", ErrChecksumUnsupported
	}
	sum, err := s.download(ctx, key, algo)
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", Classify(ctx, "checksum", key, err)
	}
	return sum, nil
}

func (s *s3Client) download(ctx context.Context, key string, algo compress.ChecksumAlgorithm) (string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	h := algo.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *s3Client) Remove(ctx context.Context, remotePath string) error {
	key := s.key(remotePath)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return Classify(ctx, "delete", key, err)
	}
	return nil
}

func (s *s3Client) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket}); err != nil {
		return Classify(ctx, "ping", s.bucket, err)
	}
	return nil
}

func (s *s3Client) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

func fromBase64(s string) string {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Sprintf("invalid:%s", s)
	}
	return hex.EncodeToString(raw)
}

// seekableProgress lets the SDK rewind the body on retries while still
// reporting progress.
type seekableProgress struct {
	f       *os.File
	written int64
	fn      func(int64)
}

func (p *seekableProgress) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.fn != nil {
			p.fn(p.written)
		}
	}
	return n, err
}

func (p *seekableProgress) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.f.Seek(offset, whence)
	if err == nil {
		p.written = pos
	}
	return pos, err
}
