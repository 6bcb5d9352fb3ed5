package inmemdb

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/submission"
)

// BlobStore keeps blobs in a map. Tamper lets tests corrupt stored ciphertext.
type BlobStore struct {
	mutex sync.RWMutex
	blobs map[string][]byte
}

var _ submission.BlobStore = (*BlobStore)(nil)

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (bs *BlobStore) Put(_ context.Context, key string, data []byte) error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if _, ok := bs.blobs[key]; ok {
		return errors.Errorf("blob %q already exists", key)
	}
	bs.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (bs *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	data, ok := bs.blobs[key]
	if !ok {
		return nil, core.ErrNotFound.WithMessage("blob not found")
	}
	return append([]byte(nil), data...), nil
}

func (bs *BlobStore) Delete(_ context.Context, key string) error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	delete(bs.blobs, key)
	return nil
}

// Tamper flips a byte of the stored blob.
func (bs *BlobStore) Tamper(key string) {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if data := bs.blobs[key]; len(data) > 0 {
		data[len(data)-1] ^= 0xff
	}
}
