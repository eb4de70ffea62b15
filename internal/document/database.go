package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	filesBucket       = "files"
	fileHashBucket    = "file_hashes"
	pagesBucket       = "pages"
	segmentsBucket    = "segments"
	groupsBucket      = "groups"
	membershipsBucket = "memberships"
	canonicalBucket   = "canonical"
)

var allBuckets = []string{
	filesBucket, fileHashBucket, pagesBucket, segmentsBucket,
	groupsBucket, membershipsBucket, canonicalBucket,
}

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned update loses a race
	ErrConflict = errors.New("version conflict")
)

// DB defines the persistence contract of the pipeline
type DB interface {
	SaveFile(file *File) error
	GetFile(id string) (*File, error)
	// FindFileByHash returns the first file ingested with the given content hash
	FindFileByHash(hash string) (*File, error)
	ListFiles() ([]*File, error)

	SavePages(pages []*Page) error
	GetPage(id string) (*Page, error)
	ListPages(fileID string) ([]*Page, error)

	SaveSegments(segments []*Segment) error
	GetSegment(id string) (*Segment, error)
	ListSegments() ([]*Segment, error)

	SaveGroups(groups []*Group) error
	GetGroup(id string) (*Group, error)
	ListGroups(kind string) ([]*Group, error)

	SaveMemberships(memberships []Membership) error
	ListMembers(groupID string) ([]Membership, error)
	ListGroupsOf(memberID string) ([]Membership, error)

	// CreateCanonical stores a new record and fails if the id is taken
	CreateCanonical(c *Canonical) error
	GetCanonical(id string) (*Canonical, error)
	ListCanonical() ([]*Canonical, error)
	// UpdateCanonical applies fn only if the stored version equals version
	UpdateCanonical(id string, version int, fn func(c *Canonical) error) (*Canonical, error)

	Close() error
}

// BoltDB implements DB using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens or creates the database file
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func put(tx *bbolt.Tx, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func get(tx *bbolt.Tx, bucket, key string, v any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// list decodes every value of a bucket, keeping the ones keep accepts
func list[T any](b *BoltDB, bucket string, keep func(*T) bool) ([]*T, error) {
	out := make([]*T, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling %s/%s: %w", bucket, k, err)
			}
			if keep == nil || keep(&item) {
				out = append(out, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveFile saves a file and indexes its content hash
func (b *BoltDB) SaveFile(file *File) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx, filesBucket, file.ID, file); err != nil {
			return err
		}
		if file.Hash == "" || file.DuplicateOf != "" {
			return nil
		}
		idx := tx.Bucket([]byte(fileHashBucket))
		if idx.Get([]byte(file.Hash)) == nil {
			return idx.Put([]byte(file.Hash), []byte(file.ID))
		}
		return nil
	})
}

// GetFile retrieves a file by ID
func (b *BoltDB) GetFile(id string) (*File, error) {
	var file File
	if err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, filesBucket, id, &file)
	}); err != nil {
		return nil, err
	}
	return &file, nil
}

// FindFileByHash looks up the hash index
func (b *BoltDB) FindFileByHash(hash string) (*File, error) {
	var file File
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(fileHashBucket)).Get([]byte(hash))
		if id == nil {
			return fmt.Errorf("file hash %s: %w", hash, ErrNotFound)
		}
		return get(tx, filesBucket, string(id), &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// ListFiles returns all files
func (b *BoltDB) ListFiles() ([]*File, error) {
	return list[File](b, filesBucket, nil)
}

// SavePages saves pages in one transaction
func (b *BoltDB) SavePages(pages []*Page) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, p := range pages {
			if err := put(tx, pagesBucket, p.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPage retrieves a page by ID
func (b *BoltDB) GetPage(id string) (*Page, error) {
	var page Page
	if err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, pagesBucket, id, &page)
	}); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListPages returns the pages of a file ordered by index
func (b *BoltDB) ListPages(fileID string) ([]*Page, error) {
	pages, err := list(b, pagesBucket, func(p *Page) bool { return p.FileID == fileID })
	if err != nil {
		return nil, err
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	return pages, nil
}

// SaveSegments saves segments in one transaction
func (b *BoltDB) SaveSegments(segments []*Segment) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, s := range segments {
			if err := put(tx, segmentsBucket, s.ID, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSegment retrieves a segment by ID
func (b *BoltDB) GetSegment(id string) (*Segment, error) {
	var seg Segment
	if err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, segmentsBucket, id, &seg)
	}); err != nil {
		return nil, err
	}
	return &seg, nil
}

// ListSegments returns all segments
func (b *BoltDB) ListSegments() ([]*Segment, error) {
	return list[Segment](b, segmentsBucket, nil)
}

// SaveGroups saves duplicate or stitch groups
func (b *BoltDB) SaveGroups(groups []*Group) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, g := range groups {
			if err := put(tx, groupsBucket, g.ID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetGroup retrieves a group by ID
func (b *BoltDB) GetGroup(id string) (*Group, error) {
	var g Group
	if err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, groupsBucket, id, &g)
	}); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns groups of one kind, or all groups when kind is empty
func (b *BoltDB) ListGroups(kind string) ([]*Group, error) {
	return list(b, groupsBucket, func(g *Group) bool { return kind == "" || g.Kind == kind })
}

func membershipKey(groupID, memberID string) []byte {
	return []byte(groupID + "/" + memberID)
}

// SaveMemberships stores join records keyed group/member
func (b *BoltDB) SaveMemberships(memberships []Membership) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(membershipsBucket))
		for _, m := range memberships {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshaling membership: %w", err)
			}
			if err := bucket.Put(membershipKey(m.GroupID, m.MemberID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMembers returns the join records of one group
func (b *BoltDB) ListMembers(groupID string) ([]Membership, error) {
	out := make([]Membership, 0)
	prefix := []byte(groupID + "/")
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(membershipsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Membership
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshaling membership: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListGroupsOf returns every group a page or segment belongs to
func (b *BoltDB) ListGroupsOf(memberID string) ([]Membership, error) {
	ms, err := list(b, membershipsBucket, func(m *Membership) bool { return m.MemberID == memberID })
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(ms))
	for _, m := range ms {
		out = append(out, *m)
	}
	return out, nil
}

// CreateCanonical stores a new canonical record
func (b *BoltDB) CreateCanonical(c *Canonical) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(canonicalBucket)).Get([]byte(c.ID)) != nil {
			return fmt.Errorf("canonical %s: %w", c.ID, ErrConflict)
		}
		return put(tx, canonicalBucket, c.ID, c)
	})
}

// GetCanonical retrieves a canonical record by ID
func (b *BoltDB) GetCanonical(id string) (*Canonical, error) {
	var c Canonical
	if err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, canonicalBucket, id, &c)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCanonical returns all canonical records
func (b *BoltDB) ListCanonical() ([]*Canonical, error) {
	return list[Canonical](b, canonicalBucket, nil)
}

// UpdateCanonical is a compare-and-swap on the record version. fn may mutate
// the record; returning an error aborts the write.
func (b *BoltDB) UpdateCanonical(id string, version int, fn func(c *Canonical) error) (*Canonical, error) {
	var c Canonical
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := get(tx, canonicalBucket, id, &c); err != nil {
			return err
		}
		if c.Version != version {
			return fmt.Errorf("canonical %s at version %d, expected %d: %w", id, c.Version, version, ErrConflict)
		}
		if err := fn(&c); err != nil {
			return err
		}
		return put(tx, canonicalBucket, id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
