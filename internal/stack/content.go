package stack

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"diffview/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// zstd frame magic, used to detect blobs written before compression was
// enabled.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

const (
	contentCacheSize = 256
	// Blobs below this size are stored raw; compression overhead dominates.
	minCompressSize = 1024
)

// contentMeta is the per-blob record kept in badger next to the blob file.
type contentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContentStore is deduplicated, content-addressed blob storage: blobs live
// as files under root fanned out by hash prefix, metadata lives in badger,
// and hot blobs are served from an LRU cache.
type ContentStore struct {
	root    string
	db      *badger.DB
	cache   *lru.Cache[string, []byte]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewContentStore(db *badger.DB, root string) (*ContentStore, error) {
	if root == "" {
		return nil, fmt.Errorf("content root directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating content root: %w", err)
	}

	cache, err := lru.New[string, []byte](contentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating content cache: %w", err)
	}
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return &ContentStore{
		root:    root,
		db:      db,
		cache:   cache,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Store saves content and returns its hash. Storing already-present content
// is a no-op.
func (s *ContentStore) Store(content []byte) (string, error) {
	hash := utils.HashContent(content)

	exists, err := s.Exists(hash)
	if err != nil {
		return "", fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return hash, nil
	}

	blob := content
	compressed := false
	if len(content) >= minCompressSize {
		blob = s.encoder.EncodeAll(content, nil)
		compressed = true
	}

	path := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return "", fmt.Errorf("writing content file: %w", err)
	}

	meta := contentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		Compressed: compressed,
		CreatedAt:  time.Now(),
	}
	if err := s.storeMeta(meta); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash, verifying integrity on the way out.
func (s *ContentStore) Get(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}

	if meta.Compressed && bytes.HasPrefix(content, zstdMagic) {
		content, err = s.decoder.DecodeAll(content, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}

	if utils.HashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch for %s", hash)
	}

	s.cache.Add(hash, content)
	return content, nil
}

// Exists reports whether content with the given hash is stored.
func (s *ContentStore) Exists(hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	_, err := s.getMeta(hash)
	if err == ErrContentNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the compression codecs. The badger handle is owned by the
// caller.
func (s *ContentStore) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

func (s *ContentStore) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (s *ContentStore) storeMeta(meta contentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Hash), data)
	})
}

func (s *ContentStore) getMeta(hash string) (contentMeta, error) {
	var meta contentMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if err == badger.ErrKeyNotFound {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}

func metaKey(hash string) []byte {
	return []byte(fmt.Sprintf("content:%s", hash))
}
