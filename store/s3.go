package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// A S3 store represents a store that is kept on AWS S3 storage.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc    *s3.S3
	Bucket string
	Prefix string
	sizes  *sizecache // keep HEAD info
}

var (
	_ Store      = &S3{}
	_ Renamer    = &S3{}
	_ Subfolders = &S3{}
)

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. This is to allow for a bucket to be used for more than
// one store. For example if prefix were "cache/" then an Open("hello") would
// look for the key "cache/hello" in the bucket. The authorization method and
// credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket: bucket,
		Prefix: prefix,
		svc:    s3.New(awsSession),
		sizes:  newSizeCache(),
	}
}

// NewS3Session makes an AWS session. If endpoint is not empty it is used
// instead of the AWS default, which is useful for S3 compatible services.
// When bundledCA is true the root certificates from the certifi bundle are
// used instead of the system pool.
func NewS3Session(region, endpoint string, bundledCA bool) (*session.Session, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithEndpoint(endpoint).
			WithS3ForcePathStyle(true).
			WithDisableSSL(u.Scheme == "http")
	}
	if bundledCA {
		pool, err := gocertifi.CACerts()
		if err != nil {
			return nil, errors.Wrap(err, "loading CA bundle")
		}
		cfg = cfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		})
	}
	return session.NewSession(cfg)
}

func (s *S3) capture(err error, key string) {
	log.WithFields(log.Fields{"bucket": s.Bucket, "prefix": s.Prefix, "key": key}).Errorln("S3:", err)
	raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
}

// List returns all the objects in this store. It will only return ones
// that satisfy the store's Prefix, so it is safe to use this on a bucket
// containing other items. The sizes seen are remembered for later calls.
func (s *S3) List(ctx context.Context) ([]FileEntry, error) {
	var result []FileEntry
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				name := strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix)
				if name == "" {
					continue
				}
				size := aws.Int64Value(item.Size)
				s.sizes.Set(name, size)
				result = append(result, FileEntry{
					Name:         name,
					Size:         size,
					IsFolder:     strings.HasSuffix(name, "/"),
					LastModified: aws.TimeValue(item.LastModified),
				})
			}
			return !lastpage
		})
	if err != nil {
		s.capture(err, "")
		return nil, err
	}
	return result, nil
}

// Open downloads the given key. Volumes are bounded in size, so the whole
// object is read into memory.
func (s *S3) Open(ctx context.Context, key string) (ReadAtCloser, int64, error) {
	if _, err := s.stat(ctx, key); err != nil {
		return nil, 0, err
	}
	output, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			s.sizes.Set(key, sizeDeleted)
			return nil, 0, errors.Wrap(ErrNotExist, key)
		}
		s.capture(err, key)
		return nil, 0, err
	}
	defer output.Body.Close()
	data := &bytes.Buffer{}
	if _, err := io.Copy(data, output.Body); err != nil {
		return nil, 0, errors.Wrapf(err, "downloading %s", key)
	}
	return memReader{bytes.NewReader(data.Bytes())}, int64(data.Len()), nil
}

// Create will return a WriteCloser to upload content to the given key. The
// data is buffered and sent with a single PUT when the writer is closed.
func (s *S3) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	_, err := s.stat(ctx, key)
	if err == nil {
		return nil, errors.Wrap(ErrKeyExists, key)
	}
	s.sizes.Set(key, 0) // make 0 in case this key was previously deleted
	return &s3WriteCloser{ctx: ctx, parent: s, key: key}, nil
}

type s3WriteCloser struct {
	bytes.Buffer
	ctx    context.Context
	parent *S3
	key    string
}

func (wc *s3WriteCloser) Close() error {
	s := wc.parent
	_, err := s.svc.PutObjectWithContext(wc.ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + wc.key),
		Body:   bytes.NewReader(wc.Bytes()),
	})
	if err != nil {
		s.capture(err, wc.key)
		return err
	}
	s.sizes.Set(wc.key, int64(wc.Len()))
	return nil
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		s.capture(err, key)
		return err
	}
	s.sizes.Set(key, sizeDeleted)
	return nil
}

// Rename copies oldkey to newkey on the server side and then deletes oldkey.
func (s *S3) Rename(ctx context.Context, oldkey, newkey string) error {
	if _, err := s.stat(ctx, newkey); err == nil {
		return errors.Wrap(ErrKeyExists, newkey)
	}
	_, err := s.svc.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.Bucket),
		CopySource: aws.String(url.PathEscape(s.Bucket + "/" + s.Prefix + oldkey)),
		Key:        aws.String(s.Prefix + newkey),
	})
	if err != nil {
		if isNotFound(err) {
			return errors.Wrap(ErrNotExist, oldkey)
		}
		s.capture(err, oldkey)
		return err
	}
	s.sizes.Set(newkey, 0)
	return s.Delete(ctx, oldkey)
}

// CreateFolder checks the bucket exists. Prefixes need no creation.
func (s *S3) CreateFolder(ctx context.Context) error {
	return s.Test(ctx)
}

// CreateSubfolder does nothing; S3 keys may contain '/'.
func (s *S3) CreateSubfolder(ctx context.Context, name string) error {
	return nil
}

// Test makes a HEAD request against the bucket.
func (s *S3) Test(ctx context.Context) error {
	_, err := s.svc.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	if err != nil {
		s.capture(err, "")
	}
	return err
}

// stat will check if a key exists, and if so it returns the size. If the item
// does not exist ErrNotExist is returned. The prefix is added to the key
// before checking.
func (s *S3) stat(ctx context.Context, key string) (int64, error) {
	// Cache the key sizes as we see them. This drastically cuts down on the
	// number of HEAD requests.
	return s.sizes.Get(key, func(key string) (int64, error) {
		info, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
		})
		if err != nil {
			if isNotFound(err) {
				return sizeDeleted, errors.Wrap(ErrNotExist, key)
			}
			return 0, err
		}
		return aws.Int64Value(info.ContentLength), nil
	})
}

func isNotFound(err error) bool {
	e, ok := err.(awserr.RequestFailure)
	return ok && e.StatusCode() == http.StatusNotFound
}
