// Package storage writes copied files into S3-compatible buckets.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// Client stores copied files
type Client interface {
	// Exists reports whether an object is already stored at loc
	Exists(ctx context.Context, loc Location) (bool, error)
	// Upload streams r to loc
	Upload(ctx context.Context, loc Location, r io.Reader, u Upload) error
}

// Location addresses one object
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// Upload describes an object write. A negative Size streams the body in
// parts of PartSize bytes.
type Upload struct {
	Size        int64
	ContentType string
	SourceURL   string
	PartSize    uint64
}

// Destination is a copy target of the form "bucket" or "bucket/prefix"
type Destination struct {
	Bucket string
	Prefix string
}

// ParseDestination splits dest into bucket and prefix
func ParseDestination(dest string) (Destination, error) {
	dest = strings.Trim(dest, "/")
	if dest == "" {
		return Destination{}, errors.New("empty destination")
	}
	bucket, prefix, _ := strings.Cut(dest, "/")
	return Destination{Bucket: bucket, Prefix: prefix}, nil
}

// Object places name under the prefix. An empty name uses the prefix itself
// as the key.
func (d Destination) Object(name string) Location {
	if name == "" {
		return Location{Bucket: d.Bucket, Key: d.Prefix}
	}
	return Location{Bucket: d.Bucket, Key: path.Join(d.Prefix, name)}
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}
