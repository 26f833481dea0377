package store

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// A Factory makes a store from a parsed target URL.
type Factory func(ctx context.Context, u *url.URL) (Store, error)

// Registry maps a URL scheme to the factory making stores for it. A registry
// is built explicitly and handed to whoever needs to open targets.
type Registry struct {
	m         sync.Mutex
	factories map[string]Factory
	memories  map[string]*Memory
}

// ErrUnknownScheme is returned by Open for URLs with no registered factory.
var ErrUnknownScheme = errors.New("no store registered for scheme")

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		memories:  make(map[string]*Memory),
	}
}

// DefaultRegistry returns a registry knowing the schemes file, mem, s3, and gs.
//
//	file:///var/backups/target
//	mem://name/prefix              (one shared memory store per name)
//	s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000&certifi=true
//	gs://bucket/prefix
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("file", openFile)
	r.Register("mem", r.openMemory)
	r.Register("s3", openS3)
	r.Register("gs", openGCS)
	return r
}

// Register adds or replaces the factory for scheme.
func (r *Registry) Register(scheme string, f Factory) {
	r.m.Lock()
	r.factories[strings.ToLower(scheme)] = f
	r.m.Unlock()
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.m.Lock()
	defer r.m.Unlock()
	var result []string
	for k := range r.factories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Open parses target and hands it to the factory for its scheme. A target
// without a scheme is taken to be a local path.
func (r *Registry) Open(ctx context.Context, target string) (Store, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing target %q", target)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "file"
		u = &url.URL{Scheme: "file", Path: target}
	}
	r.m.Lock()
	f, ok := r.factories[scheme]
	r.m.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownScheme, scheme)
	}
	return f(ctx, u)
}

func openFile(ctx context.Context, u *url.URL) (Store, error) {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return nil, errors.New("file target needs a path")
	}
	return NewFileSystem(p), nil
}

func (r *Registry) openMemory(ctx context.Context, u *url.URL) (Store, error) {
	r.m.Lock()
	defer r.m.Unlock()
	m, ok := r.memories[u.Host]
	if !ok {
		m = NewMemory()
		r.memories[u.Host] = m
	}
	if prefix := folderPrefix(u.Path); prefix != "" {
		return NewWithPrefix(m, prefix), nil
	}
	return m, nil
}

func openS3(ctx context.Context, u *url.URL) (Store, error) {
	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	sess, err := NewS3Session(region, q.Get("endpoint"), q.Get("certifi") == "true")
	if err != nil {
		return nil, err
	}
	return NewS3(u.Host, folderPrefix(u.Path), sess), nil
}

func openGCS(ctx context.Context, u *url.URL) (Store, error) {
	return NewGCS(ctx, u.Host, folderPrefix(u.Path))
}

// folderPrefix turns a URL path into a key prefix ending in '/'.
func folderPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
