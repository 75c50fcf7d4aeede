package s3

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xattrfs/xattrfs/internal/volume"
	"github.com/xattrfs/xattrfs/pkg/retry"
)

// fakeObjectStore records puts and deletes and can fail a number of calls
// before succeeding.
type fakeObjectStore struct {
	mu       sync.Mutex
	failPuts int
	failDels int
	puts     map[string][]byte
	deletes  []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{puts: make(map[string][]byte)}
}

func (f *fakeObjectStore) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("injected put failure")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(in.Key)] = body
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeObjectStore) DeleteObject(_ context.Context, in *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDels > 0 {
		f.failDels--
		return nil, errors.New("injected delete failure")
	}
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func (f *fakeObjectStore) ListObjectsV2(_ context.Context, _ *awss3.ListObjectsV2Input, _ ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	return &awss3.ListObjectsV2Output{}, nil
}

func (f *fakeObjectStore) GetObject(_ context.Context, _ *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	return nil, errors.New("no such key")
}

func newQueueOnlyBackend(client objectClient) *Backend {
	return &Backend{
		client:   client,
		bucket:   "test-bucket",
		prefix:   "xattrfs",
		retry:    retry.New(retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}),
		dirty:    make(map[nodeKey]volume.NodeSnapshot),
		removals: make(map[nodeKey]struct{}),
	}
}

func TestNodeKeyNaming(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	assert.Equal(t, "xattrfs/nodes/C0FFEE.0", b.key(nodeKey{0xC0FFEE, 0}))
	assert.Equal(t, "xattrfs/nodes/2.0", b.key(nodeKey{2, 0}))
	assert.Equal(t, "xattrfs/nodes/AB.1F", b.key(nodeKey{0xAB, 0x1F}))
}

func TestEnqueueUpsertSupersedesRemoval(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	b.enqueueRemove(5, 1)
	assert.Len(t, b.removals, 1)

	b.enqueueUpsert(volume.NodeSnapshot{ID: 5, Gen: 1})
	assert.Empty(t, b.removals)
	assert.Len(t, b.dirty, 1)
}

func TestEnqueueRemoveSupersedesUpsert(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	b.enqueueUpsert(volume.NodeSnapshot{ID: 5, Gen: 1})
	b.enqueueUpsert(volume.NodeSnapshot{ID: 6, Gen: 0})

	b.enqueueRemove(5, 1)
	assert.Len(t, b.dirty, 1)
	assert.Len(t, b.removals, 1)
	_, stillDirty := b.dirty[nodeKey{5, 1}]
	assert.False(t, stillDirty)
}

func TestEnqueueCoalescesPerNode(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	b.enqueueUpsert(volume.NodeSnapshot{ID: 7, Gen: 0, NLink: 1})
	b.enqueueUpsert(volume.NodeSnapshot{ID: 7, Gen: 0, NLink: 2})

	require.Len(t, b.dirty, 1)
	assert.Equal(t, 2, b.dirty[nodeKey{7, 0}].NLink)
}

func TestGenerationsGetDistinctKeys(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	b.enqueueUpsert(volume.NodeSnapshot{ID: 9, Gen: 0})
	b.enqueueUpsert(volume.NodeSnapshot{ID: 9, Gen: 1})
	assert.Len(t, b.dirty, 2)
}

func TestFlushWritesPendingNodes(t *testing.T) {
	store := newFakeObjectStore()
	b := newQueueOnlyBackend(store)

	b.enqueueUpsert(volume.NodeSnapshot{ID: 0xC0FFEE, Gen: 0, NLink: 1, Content: []byte("v")})
	b.enqueueRemove(0xDEAD, 2)

	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, b.dirty)
	assert.Empty(t, b.removals)

	body, ok := store.puts["xattrfs/nodes/C0FFEE.0"]
	require.True(t, ok)
	var snap volume.NodeSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, []byte("v"), snap.Content)

	assert.Equal(t, []string{"xattrfs/nodes/DEAD.2"}, store.deletes)
}

func TestFlushRequeuesFailedPut(t *testing.T) {
	store := newFakeObjectStore()
	store.failPuts = 1
	b := newQueueOnlyBackend(store)

	b.enqueueUpsert(volume.NodeSnapshot{ID: 5, Gen: 0, NLink: 3})

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "put node 5.0")

	// The snapshot is back on the queue, not lost.
	require.Len(t, b.dirty, 1)
	assert.Equal(t, 3, b.dirty[nodeKey{5, 0}].NLink)

	// The next flush delivers it.
	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, b.dirty)
	assert.Contains(t, store.puts, "xattrfs/nodes/5.0")
}

func TestFlushRequeuesFailedDelete(t *testing.T) {
	store := newFakeObjectStore()
	store.failDels = 1
	b := newQueueOnlyBackend(store)

	b.enqueueRemove(5, 0)

	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete node 5.0")
	assert.Len(t, b.removals, 1)

	require.NoError(t, b.Flush(context.Background()))
	assert.Empty(t, b.removals)
	assert.Equal(t, []string{"xattrfs/nodes/5.0"}, store.deletes)
}

func TestRequeueSkipsSupersededEntries(t *testing.T) {
	b := newQueueOnlyBackend(nil)
	k := nodeKey{5, 0}

	// A newer snapshot arrived while the stale one was in flight.
	b.enqueueUpsert(volume.NodeSnapshot{ID: 5, Gen: 0, NLink: 2})
	b.requeueUpsert(k, volume.NodeSnapshot{ID: 5, Gen: 0, NLink: 1})
	assert.Equal(t, 2, b.dirty[k].NLink)

	// The node was removed while its snapshot was in flight.
	b.enqueueRemove(5, 0)
	b.requeueUpsert(k, volume.NodeSnapshot{ID: 5, Gen: 0, NLink: 1})
	assert.Empty(t, b.dirty)
	assert.Len(t, b.removals, 1)

	// The node was recreated while its removal was in flight.
	b.enqueueUpsert(volume.NodeSnapshot{ID: 5, Gen: 0, NLink: 1})
	b.requeueRemove(k)
	assert.Empty(t, b.removals)
	assert.Len(t, b.dirty, 1)
}

func TestOpenRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}
