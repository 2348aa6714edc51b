package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"pagestore/pkg/logging"
	"pagestore/pkg/storage/disk"
	"pagestore/pkg/storage/page"
)

var (
	ErrInvalidPageID   = errors.New("invalid page id")
	ErrPageBusy        = errors.New("page is pinned")
	ErrPageNotResident = errors.New("page not in buffer pool")
	ErrPageResident    = errors.New("page already in buffer pool")
	ErrNilDiskManager  = errors.New("disk manager is nil")
	ErrInvalidPoolSize = errors.New("pool size must be positive")
)

// flushParallelism 限制 FlushAllPages 同时进行的写盘数量
const flushParallelism = 8

// Stats 缓冲池的累计计数
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	WriteBacks int64
}

// BufferPoolManager 管理固定数量的 Frame。
// mu 只保护 freeList / pageTable / pending，持有期间不做磁盘 I/O，也不拿 Page 的 latch。
type BufferPoolManager struct {
	mu          sync.Mutex
	diskManager disk.DiskManager
	pages       []*page.Page                  // 实际的内存池 (数组大小固定)
	replacer    *ClockReplacer                // CLOCK 替换算法
	freeList    []int                         // 空闲的 FrameID 列表
	pageTable   map[page.PageID]int           // 映射表: PageID -> FrameID
	pending     map[page.PageID]chan struct{} // 正在读入或正在删除的页，完成后 close
	frameFreed  chan struct{}                 // 有 Frame 回到 freeList 时 close

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	writeBacks atomic.Int64

	log *slog.Logger
}

// NewBufferPoolManager 初始化
func NewBufferPoolManager(diskManager disk.DiskManager, poolSize int) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, ErrNilDiskManager
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPoolSize, poolSize)
	}

	bpm := &BufferPoolManager{
		diskManager: diskManager,
		pages:       make([]*page.Page, poolSize),
		replacer:    NewClockReplacer(poolSize),
		freeList:    make([]int, poolSize),
		pageTable:   make(map[page.PageID]int),
		pending:     make(map[page.PageID]chan struct{}),
		frameFreed:  make(chan struct{}),
		log:         logging.WithComponent("bufferpool"),
	}

	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage() // 预分配内存对象
		bpm.freeList[i] = i           // 初始时所有 Frame 都是空闲的
	}
	return bpm, nil
}

// FetchPage 核心方法：获取一个页面，返回时已经 Pin 住
// 1. 如果在缓存中，直接返回
// 2. 如果不在，从磁盘读取到缓存（可能需要驱逐旧页，池满且全部被 Pin 住时阻塞）
func (b *BufferPoolManager) FetchPage(ctx context.Context, pageID page.PageID) (*page.Page, error) {
	if pageID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	for {
		b.mu.Lock()
		if ch, ok := b.pending[pageID]; ok {
			// 别的线程正在读或删除这一页，等它完成再查一次
			b.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// 缓存命中 (Cache Hit)
		if frameID, ok := b.pageTable[pageID]; ok {
			p := b.pages[frameID]
			p.Pin()
			b.replacer.Pin(frameID) // 标记为正在使用，阻止被驱逐
			b.mu.Unlock()
			b.hits.Add(1)
			return p, nil
		}

		// 缓存未命中 (Cache Miss)
		ch := make(chan struct{})
		b.pending[pageID] = ch
		b.mu.Unlock()
		b.misses.Add(1)
		return b.loadPage(ctx, pageID, ch)
	}
}

func (b *BufferPoolManager) loadPage(ctx context.Context, pageID page.PageID, done chan struct{}) (*page.Page, error) {
	defer func() {
		b.mu.Lock()
		delete(b.pending, pageID)
		close(done)
		b.mu.Unlock()
	}()

	frameID, err := b.acquireFrame(ctx, pageID)
	if err != nil {
		return nil, err
	}

	p := b.pages[frameID]
	p.WLatch()
	err = b.diskManager.ReadPage(pageID, p)
	if err == nil && p.Status() != page.StatusExists {
		err = fmt.Errorf("%w: page %d does not exist on disk", ErrInvalidPageID, pageID)
	}
	p.WUnlatch()

	if err != nil {
		b.mu.Lock()
		b.releaseFrame(frameID, pageID)
		b.mu.Unlock()
		return nil, fmt.Errorf("fetch page %d: %w", pageID, err)
	}
	return p, nil
}

// NewPage 分配一个新的磁盘页，并将其放入缓存。新页是脏的，内容由调用方初始化
func (b *BufferPoolManager) NewPage(ctx context.Context) (*page.Page, error) {
	// 1. 在磁盘分配新 PageID
	newPageID, err := b.diskManager.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("allocate page: %w", err)
	}

	// 2. 寻找空闲 Frame
	frameID, err := b.acquireFrame(ctx, newPageID)
	if err != nil {
		if errors.Is(err, ErrPageResident) {
			return nil, err
		}
		if derr := b.diskManager.DeallocatePage(newPageID); derr != nil {
			b.log.Warn("release unused page id failed", "page_id", newPageID, "err", derr)
		}
		return nil, err
	}

	// 3. 初始化内存页对象
	p := b.pages[frameID]
	p.WLatch()
	p.Clear() // 清空之前遗留的数据
	p.InitHeader(newPageID)
	p.WUnlatch()
	p.MarkDirty()
	return p, nil
}

// UnpinPage 核心方法：释放一个页面
// isDirty: 如果调用者修改了页面，必须传 true。页面不在池中或者没有被 Pin 时返回 false
func (b *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[pageID]; ok {
		return false
	}
	frameID, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	p := b.pages[frameID]
	if p.PinCount() <= 0 {
		return false
	}

	// 如果是脏的，标记一下（注意是 OR 操作，不能把脏页标记回干净）
	if isDirty {
		p.MarkDirty()
	}

	// 如果没人用了，通知替换算法这个 Frame 可以被淘汰了
	if p.Unpin() == 0 {
		b.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage 强制将某个页面刷盘，成功后清除脏标记
func (b *BufferPoolManager) FlushPage(pageID page.PageID) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	b.mu.Lock()
	frameID, ok := b.pageTable[pageID]
	if _, loading := b.pending[pageID]; !ok || loading {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPageNotResident, pageID)
	}
	// 写盘期间临时 Pin 住，防止被驱逐
	p := b.pages[frameID]
	p.Pin()
	b.replacer.Pin(frameID)
	b.mu.Unlock()

	p.RLatch()
	err := b.diskManager.WritePage(pageID, p)
	if err == nil {
		p.SetDirty(false) // 刷盘后变干净了
	}
	p.RUnlatch()

	b.mu.Lock()
	if p.Unpin() == 0 {
		b.replacer.Unpin(frameID)
	}
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush page %d: %w", pageID, err)
	}
	return nil
}

// FlushAllPages 把所有驻留的页面刷盘，全部成功才返回 nil
func (b *BufferPoolManager) FlushAllPages() error {
	b.mu.Lock()
	ids := make([]page.PageID, 0, len(b.pageTable))
	for pageID := range b.pageTable {
		if _, loading := b.pending[pageID]; !loading {
			ids = append(ids, pageID)
		}
	}
	b.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushParallelism)
	for _, pageID := range ids {
		g.Go(func() error {
			err := b.FlushPage(pageID)
			if errors.Is(err, ErrPageNotResident) {
				// 期间被驱逐了，驱逐时已经写回
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// DeletePage 从缓存和磁盘上删除一个页。被 Pin 住的页不能删除
func (b *BufferPoolManager) DeletePage(pageID page.PageID) error {
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	b.mu.Lock()
	if _, ok := b.pending[pageID]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: page %d is being loaded or deleted", ErrPageBusy, pageID)
	}

	if frameID, ok := b.pageTable[pageID]; ok {
		targetPage := b.pages[frameID]
		if pins := targetPage.PinCount(); pins > 0 {
			b.mu.Unlock()
			return fmt.Errorf("%w: page %d pin count %d", ErrPageBusy, pageID, pins)
		}

		// 停止追踪并把 Frame 放回空闲列表
		b.replacer.Pin(frameID)
		b.releaseFrame(frameID, pageID)
	}
	// 磁盘释放完成之前，同一页的 Fetch 在 pending 上等待
	done := make(chan struct{})
	b.pending[pageID] = done
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, pageID)
		close(done)
		b.mu.Unlock()
	}()

	// 通知磁盘释放；页号不在磁盘上也视为成功
	if err := b.diskManager.DeallocatePage(pageID); err != nil {
		logging.WithPage(int32(pageID)).Warn("deallocate page failed", "component", "bufferpool", "err", err)
	}
	return nil
}

// acquireFrame 找到一个可用的 Frame 并绑定到 pageID (Pin 计数为 1)。
// 优先用 freeList，否则向替换算法要一个淘汰对象；都没有时等待 Unpin 或 Frame 归还。
func (b *BufferPoolManager) acquireFrame(ctx context.Context, pageID page.PageID) (int, error) {
	for {
		b.mu.Lock()
		if len(b.freeList) > 0 {
			frameID := b.freeList[0]
			if err := b.bindFrame(frameID, pageID); err != nil {
				b.mu.Unlock()
				return -1, err
			}
			b.freeList = b.freeList[1:]
			b.mu.Unlock()
			return frameID, nil
		}
		freed := b.frameFreed
		b.mu.Unlock()

		frameID, wake := b.replacer.tryVictim()
		if frameID < 0 {
			select {
			case <-wake:
			case <-freed:
			case <-ctx.Done():
				return -1, ctx.Err()
			}
			continue
		}

		evicted, err := b.evictFrame(frameID, pageID)
		if err != nil {
			return -1, err
		}
		if evicted {
			return frameID, nil
		}
	}
}

// evictFrame 驱逐替换算法选出的 Frame，成功后把它绑定到 newPageID。
// (FrameID, PageID) 在同一次加锁中读取并校验；如果 Frame 已经被别的线程重新使用，
// 直接放弃，返回 false。写回期间映射仍然保留，这样并发的 Fetch 会命中内存里的副本。
func (b *BufferPoolManager) evictFrame(frameID int, newPageID page.PageID) (bool, error) {
	b.mu.Lock()
	victim := b.pages[frameID]
	oldPageID := victim.ID()
	if cur, ok := b.pageTable[oldPageID]; !ok || cur != frameID || victim.PinCount() != 0 {
		b.mu.Unlock()
		return false, nil
	}
	victim.SetPinCount(1) // 驱逐期间占住这个 Frame
	dirty := victim.IsDirty()
	b.mu.Unlock()

	// 驱逐旧页前，检查是否需要写回磁盘
	if dirty {
		victim.RLatch()
		err := b.diskManager.WritePage(oldPageID, victim)
		if err == nil {
			victim.SetDirty(false)
		}
		victim.RUnlatch()

		if err != nil {
			b.mu.Lock()
			b.dropEvictionHold(frameID)
			b.mu.Unlock()
			return false, fmt.Errorf("write back page %d: %w", oldPageID, err)
		}
		b.writeBacks.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if victim.PinCount() != 1 || victim.IsDirty() {
		// 写回期间又被 Fetch 了
		b.dropEvictionHold(frameID)
		return false, nil
	}

	if err := b.bindFrame(frameID, newPageID); err != nil {
		b.dropEvictionHold(frameID)
		return false, err
	}
	delete(b.pageTable, oldPageID)
	b.evictions.Add(1)
	logging.WithPage(int32(oldPageID)).Debug("page evicted", "component", "bufferpool", "frame_id", frameID, "dirty", dirty)
	return true, nil
}

// dropEvictionHold 放弃驱逐，撤销 evictFrame 加的 Pin。调用方持有 b.mu
func (b *BufferPoolManager) dropEvictionHold(frameID int) {
	if b.pages[frameID].Unpin() == 0 {
		b.replacer.Unpin(frameID)
	}
}

// bindFrame 把 Frame 绑定到 pageID，Pin 计数为 1。调用方持有 b.mu。
// pageID 已经在别的 Frame 里时返回 ErrPageResident，不覆盖已有映射
func (b *BufferPoolManager) bindFrame(frameID int, pageID page.PageID) error {
	if cur, ok := b.pageTable[pageID]; ok {
		return fmt.Errorf("%w: page %d in frame %d", ErrPageResident, pageID, cur)
	}
	p := b.pages[frameID]
	p.SetID(pageID)
	p.SetPinCount(1)
	p.SetDirty(false)
	b.pageTable[pageID] = frameID
	b.replacer.Pin(frameID)
	return nil
}

// releaseFrame 解除 Frame 与 pageID 的绑定并放回 freeList。调用方持有 b.mu
func (b *BufferPoolManager) releaseFrame(frameID int, pageID page.PageID) {
	p := b.pages[frameID]
	delete(b.pageTable, pageID)
	p.SetID(page.InvalidPageID)
	p.SetPinCount(0)
	p.SetDirty(false)
	b.freeList = append(b.freeList, frameID)

	close(b.frameFreed)
	b.frameFreed = make(chan struct{})
}

func (b *BufferPoolManager) PoolSize() int {
	return len(b.pages)
}

func (b *BufferPoolManager) FreeFrameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.freeList)
}

func (b *BufferPoolManager) ResidentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pageTable)
}

// EvictableCount 当前可以被驱逐的 Frame 数量
func (b *BufferPoolManager) EvictableCount() int {
	return b.replacer.Size()
}

func (b *BufferPoolManager) Stats() Stats {
	return Stats{
		Hits:       b.hits.Load(),
		Misses:     b.misses.Load(),
		Evictions:  b.evictions.Load(),
		WriteBacks: b.writeBacks.Load(),
	}
}
