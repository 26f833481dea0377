package store

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"

	gcs "cloud.google.com/go/storage"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a store kept in a Google Cloud Storage bucket. All keys are
// prefixed by Prefix.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	Bucket string
	Prefix string
}

var (
	_ Store      = &GCS{}
	_ Renamer    = &GCS{}
	_ Subfolders = &GCS{}
)

// NewGCS connects to the given bucket. Credentials are found the usual way
// unless options say otherwise.
func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "gcs client")
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		Bucket: bucket,
		Prefix: prefix,
	}, nil
}

func (g *GCS) capture(err error, key string) {
	log.WithFields(log.Fields{"bucket": g.Bucket, "prefix": g.Prefix, "key": key}).Errorln("GCS:", err)
	raven.CaptureError(err, map[string]string{"Bucket": g.Bucket, "Prefix": g.Prefix, "Key": key})
}

// List returns the objects under the store's prefix.
func (g *GCS) List(ctx context.Context) ([]FileEntry, error) {
	var result []FileEntry
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.Prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			g.capture(err, "")
			return nil, err
		}
		name := strings.TrimPrefix(obj.Name, g.Prefix)
		if name == "" {
			continue
		}
		result = append(result, FileEntry{
			Name:         name,
			Size:         obj.Size,
			IsFolder:     strings.HasSuffix(name, "/"),
			LastModified: obj.Updated,
		})
	}
	return result, nil
}

// Open downloads the entire object into memory.
func (g *GCS) Open(ctx context.Context, key string) (ReadAtCloser, int64, error) {
	r, err := g.bucket.Object(g.Prefix + key).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil, 0, errors.Wrap(ErrNotExist, key)
	} else if err != nil {
		g.capture(err, key)
		return nil, 0, err
	}
	defer r.Close()
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "downloading %s", key)
	}
	return memReader{bytes.NewReader(data)}, int64(len(data)), nil
}

// Create returns a writer for a new object. The object is only created if
// it does not exist when the upload finishes.
func (g *GCS) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	obj := g.bucket.Object(g.Prefix + key)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil, errors.Wrap(ErrKeyExists, key)
	}
	w := obj.If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	return w, nil
}

// Delete removes key. A missing key is not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(g.Prefix + key).Delete(ctx)
	if err == gcs.ErrObjectNotExist {
		return nil
	}
	if err != nil {
		g.capture(err, key)
	}
	return err
}

// Rename copies oldkey to newkey and deletes the original.
func (g *GCS) Rename(ctx context.Context, oldkey, newkey string) error {
	src := g.bucket.Object(g.Prefix + oldkey)
	dst := g.bucket.Object(g.Prefix + newkey).If(gcs.Conditions{DoesNotExist: true})
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if err == gcs.ErrObjectNotExist {
			return errors.Wrap(ErrNotExist, oldkey)
		}
		g.capture(err, oldkey)
		return err
	}
	return g.Delete(ctx, oldkey)
}

// CreateFolder checks the bucket exists.
func (g *GCS) CreateFolder(ctx context.Context) error {
	return g.Test(ctx)
}

// CreateSubfolder does nothing; object names may contain '/'.
func (g *GCS) CreateSubfolder(ctx context.Context, name string) error {
	return nil
}

// Test reads the bucket attributes.
func (g *GCS) Test(ctx context.Context) error {
	_, err := g.bucket.Attrs(ctx)
	if err != nil {
		g.capture(err, "")
	}
	return err
}
