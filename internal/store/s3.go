package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/nodekit-dev/nodekit"
)

// s3Backend stores each file as one S3 object keyed by "<projectID>/<path>",
// the scale-out alternative to boltBackend for large binary package
// payloads, grounded on the teacher's storage/fs_s3.go driver shape.
type s3Backend struct {
	bucket string
	client *s3.S3
}

// OpenS3Backend parses a config string of the form
// "bucket=<name>&region=<region>", the same query-string convention the
// teacher's s3FS.Open uses for its options.
func OpenS3Backend(config string) (Backend, error) {
	values, err := url.ParseQuery(config)
	if err != nil {
		return nil, fmt.Errorf("store: bad s3 backend config %q: %w", config, err)
	}
	bucket := values.Get("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("store: s3 backend requires bucket=")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(values.Get("region"))})
	if err != nil {
		return nil, fmt.Errorf("store: s3 session: %w", err)
	}
	return &s3Backend{bucket: bucket, client: s3.New(sess)}, nil
}

func s3Key(projectID, path string) string { return projectID + "/" + path }

func (b *s3Backend) Get(projectID, path string) (*nodekit.File, bool, error) {
	key := s3Key(projectID, path)
	out, err := b.client.GetObject(&s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	f := &nodekit.File{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (b *s3Backend) Put(projectID string, f *nodekit.File) error {
	return b.Batch(projectID, []*nodekit.File{f})
}

func (b *s3Backend) Delete(projectID, path string) error {
	key := s3Key(projectID, path)
	_, err := b.client.DeleteObject(&s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key})
	return err
}

func (b *s3Backend) List(projectID, pathPrefix string) ([]*nodekit.File, error) {
	prefix := s3Key(projectID, pathPrefix)
	var out []*nodekit.File
	err := b.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: aws.String(projectID + "/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			path := strings.TrimPrefix(*obj.Key, projectID+"/")
			if pathPrefix != "" && path != pathPrefix && !strings.HasPrefix(path, pathPrefix+"/") {
				continue
			}
			f, ok, err := b.Get(projectID, path)
			if err == nil && ok {
				out = append(out, f)
			}
		}
		return true
	})
	_ = prefix
	return out, err
}

func (b *s3Backend) Batch(projectID string, files []*nodekit.File) error {
	// S3 has no multi-object transaction; writes are applied best-effort in
	// sequence, same limitation the teacher's s3FSLayer has (no batch API).
	for _, f := range files {
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		key := s3Key(projectID, f.Path)
		_, err = b.client.PutObject(&s3.PutObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
			Body:   bytes.NewReader(raw),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	RegisterBackend("s3", OpenS3Backend)
}
