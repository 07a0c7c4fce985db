// Package artifacts is the blob-plus-metadata store for files a deployed
// container produces: a filesystem tree for content, a bbolt index for
// searchable metadata.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kaosmaps/sandboxd/pkg/apperr"
	"github.com/kaosmaps/sandboxd/pkg/log"
	"github.com/kaosmaps/sandboxd/pkg/types"
)

var bucketArtifacts = []byte("artifacts")

const (
	minLimit = 1
	maxLimit = 1000
)

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store is the bbolt-backed artifact metadata index plus filesystem blob store.
type Store struct {
	db      *bolt.DB
	rootDir string
}

// New opens (creating if necessary) the bbolt metadata file at dbPath and
// prepares rootDir as the blob storage root. Initialization is idempotent.
func New(dbPath, rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, apperr.New(apperr.DriverError, "artifacts.New", fmt.Errorf("creating root dir: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, apperr.New(apperr.DriverError, "artifacts.New", fmt.Errorf("creating db dir: %w", err))
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, apperr.New(apperr.DriverError, "artifacts.New", fmt.Errorf("opening db: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperr.New(apperr.DriverError, "artifacts.New", fmt.Errorf("creating bucket: %w", err))
	}

	return &Store{db: db, rootDir: rootDir}, nil
}

// Close closes the underlying metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes content to disk, computes its SHA-256 and size, and inserts
// the metadata row. The write is atomic (temp file + rename) so there is
// never a metadata row for a missing file.
func (s *Store) Save(deploymentID, filename, contentType string, content []byte) (types.Artifact, error) {
	id := uuid.NewString()
	sum := sha256.Sum256(content)

	dir := filepath.Join(s.rootDir, deploymentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Artifact{}, apperr.New(apperr.DriverError, "artifacts.Save", err)
	}

	safeName := sanitizeFilename(filename)
	finalPath := filepath.Join(dir, id+"_"+safeName)

	if err := atomicWrite(finalPath, content); err != nil {
		return types.Artifact{}, apperr.New(apperr.DriverError, "artifacts.Save", err)
	}

	artifact := types.Artifact{
		ID:           id,
		DeploymentID: deploymentID,
		Filename:     filename,
		ContentType:  contentType,
		Size:         int64(len(content)),
		SHA256:       hex.EncodeToString(sum[:]),
		CreatedAt:    time.Now().UTC(),
		Path:         finalPath,
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data, err := json.Marshal(artifact)
		if err != nil {
			return err
		}
		return b.Put(indexKey(artifact.CreatedAt, id), data)
	}); err != nil {
		os.Remove(finalPath)
		return types.Artifact{}, apperr.New(apperr.DriverError, "artifacts.Save", err)
	}

	log.WithArtifactID(id).Info().
		Str("deployment_id", deploymentID).
		Str("filename", filename).
		Msg("artifact saved")

	return artifact, nil
}

// Get reads an artifact's metadata and bytes, recomputing its SHA-256 to
// verify integrity. A hash mismatch is IntegrityError; a missing file with
// a surviving metadata row is CorruptStore and the row is left in place.
func (s *Store) Get(artifactID string) (types.Artifact, []byte, error) {
	meta, err := s.lookup(artifactID)
	if err != nil {
		return types.Artifact{}, nil, err
	}

	content, err := os.ReadFile(meta.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Artifact{}, nil, apperr.New(apperr.CorruptStore, "artifacts.Get", fmt.Errorf("blob missing for artifact %s", artifactID))
		}
		return types.Artifact{}, nil, apperr.New(apperr.DriverError, "artifacts.Get", err)
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != meta.SHA256 {
		return types.Artifact{}, nil, apperr.New(apperr.IntegrityError, "artifacts.Get", fmt.Errorf("sha256 mismatch for artifact %s", artifactID))
	}

	return meta, content, nil
}

func (s *Store) lookup(artifactID string) (types.Artifact, error) {
	var found *types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			var a types.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ID == artifactID {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return types.Artifact{}, apperr.New(apperr.DriverError, "artifacts.lookup", err)
	}
	if found == nil {
		return types.Artifact{}, apperr.New(apperr.NotFound, "artifacts.lookup", fmt.Errorf("artifact not found: %s", artifactID))
	}
	return *found, nil
}

// List returns artifacts ordered by creation time descending, optionally
// scoped to one deployment. limit must be in [1,1000]; offset must be >= 0.
func (s *Store) List(deploymentID string, limit, offset int) ([]types.Artifact, error) {
	if limit < minLimit || limit > maxLimit {
		return nil, apperr.New(apperr.ValidationError, "artifacts.List", fmt.Errorf("limit must be in [%d,%d], got %d", minLimit, maxLimit, limit))
	}
	if offset < 0 {
		return nil, apperr.New(apperr.ValidationError, "artifacts.List", fmt.Errorf("offset must be >= 0, got %d", offset))
	}

	var all []types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		c := b.Cursor()
		// Keys are written with an inverted timestamp prefix so the natural
		// (ascending) bbolt key order is descending creation time.
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a types.Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if deploymentID != "" && a.DeploymentID != deploymentID {
				continue
			}
			all = append(all, a)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.New(apperr.DriverError, "artifacts.List", err)
	}

	if offset >= len(all) {
		return []types.Artifact{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// Delete removes an artifact's file then its metadata row, reporting
// whether a row existed.
func (s *Store) Delete(artifactID string) (bool, error) {
	meta, err := s.lookup(artifactID)
	if apperr.Is(err, apperr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	os.Remove(meta.Path)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.Delete(indexKey(meta.CreatedAt, meta.ID))
	})
	if err != nil {
		return false, apperr.New(apperr.DriverError, "artifacts.Delete", err)
	}
	return true, nil
}

// DeleteDeployment removes every artifact belonging to deploymentID and the
// now-empty deployment directory, returning the count removed.
func (s *Store) DeleteDeployment(deploymentID string) (int, error) {
	count := 0
	for {
		batch, err := s.List(deploymentID, maxLimit, 0)
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			break
		}
		for _, a := range batch {
			ok, err := s.Delete(a.ID)
			if err != nil {
				return count, err
			}
			if ok {
				count++
			}
		}
	}

	os.Remove(filepath.Join(s.rootDir, deploymentID))
	return count, nil
}

func atomicWrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = unsafeFilename.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	return base
}

// indexKey builds a bbolt key that sorts in descending-creation-time order
// by inverting the unix timestamp against a fixed width, then appending the
// id to disambiguate same-timestamp writes.
func indexKey(createdAt time.Time, id string) []byte {
	inverted := math.MaxInt64 - createdAt.UnixNano()
	return []byte(fmt.Sprintf("%020d_%s", inverted, id))
}
