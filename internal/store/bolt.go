package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nodekit-dev/nodekit"
)

// boltBackend persists every project's file tree in one bbolt file, one
// bucket per project. Bulk writes land in a single bbolt transaction, which
// is what makes CreateFilesBulk atomic the way spec.md requires.
type boltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (creating if absent) the bbolt file at path. The
// config string is exactly the file path, as in "bolt:/data/nodekit.db".
func OpenBoltBackend(path string) (Backend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db %q: %w", path, err)
	}
	return &boltBackend{db: db}, nil
}

func bucketName(projectID string) []byte { return []byte("proj:" + projectID) }

func (b *boltBackend) Get(projectID, path string) (*nodekit.File, bool, error) {
	var f *nodekit.File
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(projectID))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(path))
		if raw == nil {
			return nil
		}
		f = &nodekit.File{}
		return json.Unmarshal(raw, f)
	})
	if err != nil {
		return nil, false, err
	}
	return f, f != nil, nil
}

func (b *boltBackend) Put(projectID string, f *nodekit.File) error {
	return b.Batch(projectID, []*nodekit.File{f})
}

func (b *boltBackend) Delete(projectID, path string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(projectID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(path))
	})
}

func (b *boltBackend) List(projectID, pathPrefix string) ([]*nodekit.File, error) {
	var out []*nodekit.File
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(projectID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			path := string(k)
			if pathPrefix != "" && path != pathPrefix && !strings.HasPrefix(path, pathPrefix+"/") {
				return nil
			}
			f := &nodekit.File{}
			if err := json.Unmarshal(v, f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

func (b *boltBackend) Batch(projectID string, files []*nodekit.File) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(projectID))
		if err != nil {
			return err
		}
		for _, f := range files {
			raw, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(f.Path), raw); err != nil {
				return err
			}
		}
		return nil
	})
}
