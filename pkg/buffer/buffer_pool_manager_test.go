package buffer

import (
	"context"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"pagestore/pkg/storage/disk"
	"pagestore/pkg/storage/page"
)

func newTestPool(t *testing.T, poolSize int) (*BufferPoolManager, *disk.MemoryDiskManager) {
	t.Helper()
	dm := disk.NewMemoryDiskManager(0, 0)
	bpm, err := NewBufferPoolManager(dm, poolSize)
	require.NoError(t, err)
	return bpm, dm
}

// checkPartition 校验 freeList 与 pageTable 中的 FrameID 互不相交且覆盖整个池
func checkPartition(t *testing.T, b *BufferPoolManager) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[int]int, len(b.pages))
	for _, frameID := range b.freeList {
		seen[frameID]++
	}
	for _, frameID := range b.pageTable {
		seen[frameID]++
	}
	require.Len(t, seen, len(b.pages))
	for frameID, n := range seen {
		require.Equal(t, 1, n, "frame %d appears %d times", frameID, n)
	}
}

func TestBufferPoolManager(t *testing.T) {
	ctx := context.Background()
	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), "test_bpm.db"), disk.Options{})
	require.NoError(t, err)
	defer dm.Close()

	// 创建一个只有 2 个 Frame 的缓冲池
	bpm, err := NewBufferPoolManager(dm, 2)
	require.NoError(t, err)

	// 1. 创建 Page 0，写入一些数据并标记为脏
	p0, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.PageID(0), p0.ID())
	copy(p0.Payload(), "Page 0 Data")
	assert.True(t, bpm.UnpinPage(0, true))

	// 2. 创建 Page 1
	p1, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.PageID(1), p1.ID())
	copy(p1.Payload(), "Page 1 Data")
	assert.True(t, bpm.UnpinPage(1, true))

	// 3. 创建 Page 2 -> Pool 满了，Page 0 被驱逐并刷盘
	p2, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.PageID(2), p2.ID())
	copy(p2.Payload(), "Page 2 Data")
	bpm.UnpinPage(2, false)

	// 4. 再次读取 Page 0 -> 应该从磁盘读回来
	p0Read, err := bpm.FetchPage(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Page 0 Data", string(p0Read.Payload()[:11]))
	assert.False(t, p0Read.IsDirty())

	// 5. Page 1 也已经被驱逐了
	p1Read, err := bpm.FetchPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Page 1 Data", string(p1Read.Payload()[:11]))

	bpm.UnpinPage(0, false)
	bpm.UnpinPage(1, false)
	assert.Equal(t, int64(3), bpm.Stats().Evictions)
	checkPartition(t, bpm)
}

func TestNewBufferPoolManagerErrors(t *testing.T) {
	_, err := NewBufferPoolManager(nil, 4)
	assert.ErrorIs(t, err, ErrNilDiskManager)

	_, err = NewBufferPoolManager(disk.NewMemoryDiskManager(0, 0), 0)
	assert.ErrorIs(t, err, ErrInvalidPoolSize)
}

// 池大小 4：前四个 NewPage 成功，第五个阻塞到有页被 Unpin，然后写回被驱逐的脏页
func TestBufferPoolBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 4)

	ids := make([]page.PageID, 4)
	pages := make([]*page.Page, 4)
	for i := range ids {
		p, err := bpm.NewPage(ctx)
		require.NoError(t, err)
		ids[i], pages[i] = p.ID(), p
	}
	assert.ElementsMatch(t, []page.PageID{0, 1, 2, 3}, ids)
	assert.Equal(t, 4, bpm.ResidentCount())
	assert.Equal(t, 0, bpm.FreeFrameCount())

	type result struct {
		p   *page.Page
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := bpm.NewPage(ctx)
		done <- result{p, err}
	}()

	select {
	case <-done:
		t.Fatal("fifth NewPage must block while every frame is pinned")
	case <-time.After(50 * time.Millisecond):
	}

	copy(pages[1].Payload(), "evict me")
	require.True(t, bpm.UnpinPage(ids[1], true))

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NewPage did not wake up after Unpin")
	}
	require.NoError(t, res.err)
	assert.Equal(t, page.PageID(4), res.p.ID())
	assert.Equal(t, int64(1), dm.Writes(), "dirty victim must be written back")
	checkPartition(t, bpm)

	// 把被驱逐的页读回来
	require.True(t, bpm.UnpinPage(res.p.ID(), false))
	again, err := bpm.FetchPage(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "evict me", string(again.Payload()[:8]))
}

func TestPinCountMonotonic(t *testing.T) {
	ctx := context.Background()
	bpm, _ := newTestPool(t, 2)

	p, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	id := p.ID()
	assert.Equal(t, int32(1), p.PinCount())

	for i := 2; i <= 5; i++ {
		got, err := bpm.FetchPage(ctx, id)
		require.NoError(t, err)
		assert.Same(t, p, got)
		assert.Equal(t, int32(i), p.PinCount())
	}
	assert.Equal(t, 0, bpm.EvictableCount())

	for i := 4; i >= 0; i-- {
		require.True(t, bpm.UnpinPage(id, false))
		assert.Equal(t, int32(i), p.PinCount())
	}
	assert.False(t, bpm.UnpinPage(id, false), "pin count must not go negative")
	assert.Equal(t, int32(0), p.PinCount())
	assert.Equal(t, 1, bpm.EvictableCount())

	assert.False(t, bpm.UnpinPage(99, true), "unknown page is a no-op")
}

func TestDurabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	bpm, _ := newTestPool(t, 3)
	rng := rand.New(rand.NewSource(7))

	want := make(map[page.PageID][]byte)
	for i := 0; i < 12; i++ {
		p, err := bpm.NewPage(ctx)
		require.NoError(t, err)
		buf := make([]byte, len(p.Payload()))
		rng.Read(buf)
		copy(p.Payload(), buf)
		want[p.ID()] = buf
		require.True(t, bpm.UnpinPage(p.ID(), true))
		checkPartition(t, bpm)
	}

	for id, buf := range want {
		p, err := bpm.FetchPage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, buf, p.Payload(), "page %d", id)
		assert.Equal(t, page.StatusExists, p.Status())
		require.True(t, bpm.UnpinPage(id, false))
	}
	checkPartition(t, bpm)
}

func TestFlushPage(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 2)

	p, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	copy(p.Payload(), "flushed bytes")
	assert.True(t, p.IsDirty())

	require.NoError(t, bpm.FlushPage(p.ID()))
	assert.False(t, p.IsDirty())
	assert.Equal(t, int32(1), p.PinCount(), "flush must not change the caller's pin")
	assert.ErrorIs(t, bpm.FlushPage(42), ErrPageNotResident)
	assert.ErrorIs(t, bpm.FlushPage(page.InvalidPageID), ErrInvalidPageID)

	// 另一个缓冲池直接从磁盘读
	other, err := NewBufferPoolManager(dm, 1)
	require.NoError(t, err)
	read, err := other.FetchPage(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, p.Data, read.Data)

	dm.FailWrites.Store(true)
	p.MarkDirty()
	assert.ErrorIs(t, bpm.FlushPage(p.ID()), disk.ErrInjected)
	assert.True(t, p.IsDirty(), "failed flush keeps the page dirty")
}

func TestFlushAllPages(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 8)

	var all []*page.Page
	for i := 0; i < 6; i++ {
		p, err := bpm.NewPage(ctx)
		require.NoError(t, err)
		all = append(all, p)
		if i%2 == 0 {
			bpm.UnpinPage(p.ID(), true)
		}
	}

	require.NoError(t, bpm.FlushAllPages())
	assert.Equal(t, int64(6), dm.Writes())
	for _, p := range all {
		assert.False(t, p.IsDirty())
	}

	dm.FailWrites.Store(true)
	assert.ErrorIs(t, bpm.FlushAllPages(), disk.ErrInjected)
}

func TestDeletePage(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 2)

	p, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	id := p.ID()

	// 被 Pin 住的页不能删除
	assert.ErrorIs(t, bpm.DeletePage(id), ErrPageBusy)
	assert.Equal(t, 1, bpm.ResidentCount())

	bpm.UnpinPage(id, true)
	require.NoError(t, bpm.DeletePage(id))
	assert.Equal(t, 0, bpm.ResidentCount())
	assert.Equal(t, 2, bpm.FreeFrameCount())
	assert.Equal(t, 0, bpm.EvictableCount())
	assert.True(t, dm.IsFree(id))
	checkPartition(t, bpm)

	// 删除后的页再 Fetch 会失败
	_, err = bpm.FetchPage(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidPageID)
	checkPartition(t, bpm)

	// 不在池中的页直接交给磁盘释放
	assert.NoError(t, bpm.DeletePage(123))
	assert.ErrorIs(t, bpm.DeletePage(page.InvalidPageID), ErrInvalidPageID)

	// 释放的页号会被复用
	reused, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, reused.ID())
}

func TestFetchInvalidPage(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 2)

	_, err := bpm.FetchPage(ctx, page.InvalidPageID)
	assert.ErrorIs(t, err, ErrInvalidPageID)
	assert.Equal(t, Stats{}, bpm.Stats())
	assert.Equal(t, int64(0), dm.Reads())

	// 分配了但从未写过的页，状态字节不是 "存在"
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	_, err = bpm.FetchPage(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidPageID)
	assert.Equal(t, 2, bpm.FreeFrameCount())

	// 超出磁盘范围
	_, err = bpm.FetchPage(ctx, 100000)
	assert.ErrorIs(t, err, disk.ErrPageOutOfRange)
	checkPartition(t, bpm)
}

func TestFetchHonorsContext(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	p, err := bpm.NewPage(context.Background())
	require.NoError(t, err)
	other, err := dm.AllocatePage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = bpm.FetchPage(ctx, other)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = bpm.NewPage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 失败的 NewPage 会把分配到的页号还回去
	assert.True(t, dm.IsFree(other+1))
	assert.Equal(t, int32(1), p.PinCount())
	checkPartition(t, bpm)
}

func TestWriteBackFailureKeepsPage(t *testing.T) {
	ctx := context.Background()
	bpm, dm := newTestPool(t, 1)

	p, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	id := p.ID()
	copy(p.Payload(), "precious")
	bpm.UnpinPage(id, true)

	dm.FailWrites.Store(true)
	_, err = bpm.NewPage(ctx)
	assert.ErrorIs(t, err, disk.ErrInjected)
	assert.Equal(t, 1, bpm.ResidentCount())
	assert.True(t, p.IsDirty())
	assert.Equal(t, 1, bpm.EvictableCount())
	checkPartition(t, bpm)

	dm.FailWrites.Store(false)
	fresh, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	bpm.UnpinPage(fresh.ID(), false)

	back, err := bpm.FetchPage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(back.Payload()[:8]))
}

func TestPageGuard(t *testing.T) {
	ctx := context.Background()
	bpm, _ := newTestPool(t, 2)

	g, err := bpm.NewPageGuarded(ctx)
	require.NoError(t, err)
	id := g.PageID()
	copy(g.Page().Payload(), "guarded")
	g.Release()
	g.Release()
	assert.Equal(t, 1, bpm.EvictableCount())

	r, err := bpm.FetchPageRead(ctx, id)
	require.NoError(t, err)
	r2, err := bpm.FetchPageRead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.Page().PinCount())
	assert.Equal(t, "guarded", string(r.Page().Payload()[:7]))
	r.Release()
	r2.Release()

	w, err := bpm.FetchPageWrite(ctx, id)
	require.NoError(t, err)
	w.Data()[page.HeaderSize] = 'G'
	w.MarkDirty()
	w.Release()
	assert.True(t, w.Page().IsDirty())

	b, err := bpm.FetchPageBasic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, byte('G'), b.Data()[page.HeaderSize])
	b.Release()
	assert.Equal(t, int32(0), b.Page().PinCount())
}

func TestConcurrentAccess(t *testing.T) {
	bpm, _ := newTestPool(t, 4)

	const numPages = 16
	ids := make([]page.PageID, numPages)
	for i := range ids {
		p, err := bpm.NewPage(context.Background())
		require.NoError(t, err)
		ids[i] = p.ID()
		bpm.UnpinPage(p.ID(), true)
	}

	const workers, rounds = 8, 200
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds; i++ {
				guard, err := bpm.FetchPageWrite(ctx, ids[rng.Intn(numPages)])
				if err != nil {
					return err
				}
				payload := guard.Page().Payload()
				binary.LittleEndian.PutUint64(payload, binary.LittleEndian.Uint64(payload)+1)
				guard.MarkDirty()
				guard.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	checkPartition(t, bpm)

	var total uint64
	for _, id := range ids {
		guard, err := bpm.FetchPageRead(context.Background(), id)
		require.NoError(t, err)
		total += binary.LittleEndian.Uint64(guard.Page().Payload())
		guard.Release()
	}
	assert.Equal(t, uint64(workers*rounds), total)
	assert.Equal(t, 0, bpm.ResidentCount()-bpm.EvictableCount())
}
