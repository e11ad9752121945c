package ota

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lightwaveos/internal/kv"
)

// BlobMetadata describes one stored OTA binary.
type BlobMetadata struct {
	ID        string
	Version   string
	SHA256    string
	SizeBytes int64
	CreatedAt time.Time
}

// BlobStore coordinates OTA binary bytes on disk with metadata rows in
// the shared kv sqlite database.
type BlobStore struct {
	rootDir string
	kv      *kv.Store
}

// NewBlobStore creates a blob store rooted at rootDir, using store for
// metadata persistence (the "ota" namespace, keyed by blob id).
func NewBlobStore(rootDir string, store *kv.Store) (*BlobStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ota blob directory: %w", err)
	}
	return &BlobStore{rootDir: rootDir, kv: store}, nil
}

// Put writes reader's bytes to disk under a freshly generated blob id and
// records its metadata. The write is atomic: bytes land in a temp file
// first, then are renamed into place.
func (b *BlobStore) Put(ctx context.Context, version string, reader io.Reader) (BlobMetadata, error) {
	id, err := newBlobID()
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("generate blob id: %w", err)
	}

	tmp, err := os.CreateTemp(b.rootDir, ".ota-write-*")
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("create temp blob file: %w", err)
	}
	tmpPath := tmp.Name()

	hasher := newSHA256()
	size, copyErr := io.Copy(io.MultiWriter(tmp, hasher), reader)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return BlobMetadata{}, fmt.Errorf("write ota blob bytes: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return BlobMetadata{}, fmt.Errorf("close ota blob file: %w", closeErr)
	}

	finalPath := filepath.Join(b.rootDir, id)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return BlobMetadata{}, fmt.Errorf("move ota blob into place: %w", err)
	}

	meta := BlobMetadata{ID: id, Version: version, SHA256: sumHex(hasher), SizeBytes: size, CreatedAt: time.Now().UTC()}
	if err := b.saveMeta(ctx, meta); err != nil {
		os.Remove(finalPath)
		return BlobMetadata{}, err
	}
	slog.Info("ota blob stored", "blob_id", id, "version", version, "size", size)
	return meta, nil
}

// Open resolves blob metadata and opens the corresponding on-disk file.
func (b *BlobStore) Open(ctx context.Context, id string) (BlobMetadata, *os.File, error) {
	meta, ok := b.loadMeta(ctx, id)
	if !ok {
		return BlobMetadata{}, nil, fmt.Errorf("ota blob %q not found", id)
	}
	f, err := os.Open(filepath.Join(b.rootDir, id))
	if err != nil {
		return BlobMetadata{}, nil, fmt.Errorf("open ota blob file: %w", err)
	}
	return meta, f, nil
}

func (b *BlobStore) saveMeta(ctx context.Context, m BlobMetadata) error {
	encoded := fmt.Sprintf("%s|%s|%d|%d", m.Version, m.SHA256, m.SizeBytes, m.CreatedAt.Unix())
	return b.kv.Put(ctx, kv.NamespaceOTA, "blob:"+m.ID, []byte(encoded))
}

func (b *BlobStore) loadMeta(ctx context.Context, id string) (BlobMetadata, bool) {
	raw, ok := b.kv.Get(ctx, kv.NamespaceOTA, "blob:"+id)
	if !ok {
		return BlobMetadata{}, false
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return BlobMetadata{}, false
	}
	var size int64
	var createdUnix int64
	fmt.Sscanf(parts[2], "%d", &size)
	fmt.Sscanf(parts[3], "%d", &createdUnix)
	return BlobMetadata{
		ID: id, Version: parts[0], SHA256: parts[1],
		SizeBytes: size, CreatedAt: time.Unix(createdUnix, 0).UTC(),
	}, true
}

func newBlobID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16]), nil
}

func newSHA256() hash.Hash { return sha256.New() }

func sumHex(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }
