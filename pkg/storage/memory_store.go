package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore keeps objects in process memory (tests and local runs).
type MemoryStore struct {
	mu         sync.RWMutex
	objects    map[string]memoryObject
	publicBase string
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryStore(publicBase string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), publicBase: publicBase}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[srcKey]
	if !ok {
		return ErrObjectNotFound
	}
	m.objects[dstKey] = memoryObject{data: append([]byte(nil), obj.data...), contentType: obj.contentType}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PublicURL(key string) string {
	return joinURL(m.publicBase, key)
}

// Exists reports whether key is stored.
func (m *MemoryStore) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

var (
	_ ObjectStore = (*MemoryStore)(nil)
	_ ObjectStore = (*MinioStore)(nil)
)
