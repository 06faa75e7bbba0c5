package stores

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"wuyrush.io/shout/common/logging"
	se "wuyrush.io/shout/errors"
)

var contentTypes = map[string]string{
	".txt":  "text/plain",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// media of unknown size is streamed in parts of this size, the minimum S3 accepts
const minioStreamPartSize = 5 << 20

// MinioFileStore implements FileStore backed by an S3 compatible object storage. Clients download media
// straight from the storage through presigned URLs.
type MinioFileStore struct {
	Client *minio.Client
	Bucket string
	URLTTL time.Duration
}

type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	URLTTL    time.Duration
}

func NewMinioFileStore(cfg MinioConfig) (*MinioFileStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinioFileStore{Client: client, Bucket: cfg.Bucket, URLTTL: cfg.URLTTL}, nil
}

// EnsureBucket creates the media bucket if it does not exist yet
func (fs *MinioFileStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := fs.Client.BucketExists(ctx, fs.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return fs.Client.MakeBucket(ctx, fs.Bucket, minio.MakeBucketOptions{Region: region})
}

func (fs *MinioFileStore) Ref(ext string) string {
	return "media/" + uuid.New().String() + ext
}

func putObjectOptions(ref string, size int64) minio.PutObjectOptions {
	ct, ok := contentTypes[filepath.Ext(ref)]
	if !ok {
		ct = "application/octet-stream"
	}
	opts := minio.PutObjectOptions{ContentType: ct}
	if size < 0 {
		// left unset the client buffers parts sized for the largest object S3 can hold
		opts.PartSize = minioStreamPartSize
	}
	return opts
}

func (fs *MinioFileStore) Save(ctx context.Context, ref string, r io.Reader, size int64) *se.Err {
	if _, err := fs.Client.PutObject(ctx, fs.Bucket, ref, r, size, putObjectOptions(ref, size)); err != nil {
		if v, ok := se.As(err); ok {
			return v
		}
		msg := "error uploading media"
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error(msg)
		return se.NewUpstreamUnavailable(msg).WithCause(err)
	}
	return nil
}

func (fs *MinioFileStore) URL(ctx context.Context, ref string) (string, *se.Err) {
	u, err := fs.Client.PresignedGetObject(ctx, fs.Bucket, ref, fs.URLTTL, url.Values{})
	if err != nil {
		msg := "error signing media url"
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error(msg)
		return "", se.NewUpstreamUnavailable(msg).WithCause(err)
	}
	return u.String(), nil
}

func (fs *MinioFileStore) Get(ctx context.Context, ref string) (io.ReadCloser, *se.Err) {
	const errMsg = "error retrieving media"
	obj, err := fs.Client.GetObject(ctx, fs.Bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, se.NewUpstreamUnavailable(errMsg).WithCause(err)
	}
	// the object is fetched lazily; Stat sends the request so a missing one surfaces here
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil, se.NewNotFound("media not found").WithCause(err)
		}
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error(errMsg)
		return nil, se.NewUpstreamUnavailable(errMsg).WithCause(err)
	}
	return obj, nil
}

func (fs *MinioFileStore) Delete(ctx context.Context, ref string) *se.Err {
	// removing a missing object is not an error in S3
	if err := fs.Client.RemoveObject(ctx, fs.Bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		msg := "error removing media"
		logging.WithFuncName().WithField("ref", ref).WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (fs *MinioFileStore) Close() *se.Err {
	return nil
}
