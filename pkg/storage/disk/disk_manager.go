package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"pagestore/pkg/logging"
	"pagestore/pkg/storage/page"
)

// DiskManager 负责管理磁盘上的数据文件
type DiskManager interface {
	ReadPage(pageID page.PageID, p *page.Page) error
	WritePage(pageID page.PageID, p *page.Page) error
	AllocatePage() (page.PageID, error)
	DeallocatePage(pageID page.PageID) error
	Close() error
}

const (
	DefaultInitialPages = 16
	DefaultMaxPages     = 1 << 20
)

type Options struct {
	MetaFile     string // 默认是 <dbFile>.meta.json
	InitialPages int
	MaxPages     int
}

// diskMeta 是元数据文件的内容，每次分配/释放都会整体重写
type diskMeta struct {
	DataFile   string        `json:"data_file"`
	Capacity   page.PageID   `json:"capacity"`
	MaxPages   page.PageID   `json:"max_pages"`
	NextPageID page.PageID   `json:"next_page_id"`
	FreePages  []page.PageID `json:"free_pages"`
}

type DiskManagerImpl struct {
	mu       sync.RWMutex // 保护分配状态
	dbFile   *os.File
	fileName string
	metaFile string
	alloc    allocator
	closed   bool

	// 每个页号一把读写锁，保证同一页的读写互斥
	latches *xsync.MapOf[page.PageID, *sync.RWMutex]
	log     *slog.Logger
}

// NewDiskManager 启动时打开或创建数据库文件和元数据文件
func NewDiskManager(dbFileName string, opts Options) (*DiskManagerImpl, error) {
	if opts.MetaFile == "" {
		opts.MetaFile = dbFileName + ".meta.json"
	}
	if opts.InitialPages <= 0 {
		opts.InitialPages = DefaultInitialPages
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.MaxPages < opts.InitialPages {
		return nil, fmt.Errorf("max pages %d is smaller than initial pages %d", opts.MaxPages, opts.InitialPages)
	}

	// 确保目录存在
	if err := os.MkdirAll(filepath.Dir(dbFileName), 0o755); err != nil {
		return nil, err
	}

	// 打开文件：读写模式 | 如果不存在则创建
	file, err := os.OpenFile(dbFileName, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, err
	}

	d := &DiskManagerImpl{
		dbFile:   file,
		fileName: dbFileName,
		metaFile: opts.MetaFile,
		latches:  xsync.NewMapOf[page.PageID, *sync.RWMutex](),
		log:      logging.WithComponent("disk"),
	}

	if err := d.loadMeta(opts); err != nil {
		file.Close()
		return nil, err
	}
	if err := d.ensureFileSize(); err != nil {
		file.Close()
		return nil, err
	}
	if err := d.saveMeta(); err != nil {
		file.Close()
		return nil, err
	}

	d.log.Info("disk manager opened",
		"file", dbFileName,
		"capacity", d.alloc.capacity,
		"next_page_id", d.alloc.next,
		"free_pages", len(d.alloc.free))
	return d, nil
}

// loadMeta 读取元数据文件；不存在时根据数据文件大小推算
func (d *DiskManagerImpl) loadMeta(opts Options) error {
	raw, err := os.ReadFile(d.metaFile)
	if err == nil {
		var meta diskMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta file %s: %w", d.metaFile, err)
		}
		d.alloc = allocator{
			capacity: meta.Capacity,
			maxPages: meta.MaxPages,
			next:     meta.NextPageID,
			free:     meta.FreePages,
		}
		if d.alloc.capacity <= 0 || d.alloc.next > d.alloc.capacity {
			return fmt.Errorf("corrupted meta file %s", d.metaFile)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	// 比如文件大小是 8192 (2页)，那么下一个 ID 就是 2 (0, 1 已存在)
	info, err := d.dbFile.Stat()
	if err != nil {
		return err
	}
	next := page.PageID(info.Size() / page.PageSize)
	capacity := page.PageID(opts.InitialPages)
	for capacity < next {
		capacity *= 2
	}
	d.alloc = allocator{
		capacity: capacity,
		maxPages: max(page.PageID(opts.MaxPages), capacity),
		next:     next,
	}
	return nil
}

func (d *DiskManagerImpl) saveMeta() error {
	meta := diskMeta{
		DataFile:   filepath.Base(d.fileName),
		Capacity:   d.alloc.capacity,
		MaxPages:   d.alloc.maxPages,
		NextPageID: d.alloc.next,
		FreePages:  d.alloc.free,
	}
	if meta.FreePages == nil {
		meta.FreePages = []page.PageID{}
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	// 先写临时文件再 rename，避免写到一半崩溃留下半个元数据文件
	tmp := d.metaFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o664); err != nil {
		return err
	}
	return os.Rename(tmp, d.metaFile)
}

// ensureFileSize 让数据文件覆盖 capacity 个页，这样范围内的读永远不会越过文件末尾
func (d *DiskManagerImpl) ensureFileSize() error {
	info, err := d.dbFile.Stat()
	if err != nil {
		return err
	}
	want := int64(d.alloc.capacity) * page.PageSize
	if info.Size() >= want {
		return nil
	}
	return d.dbFile.Truncate(want)
}

func (d *DiskManagerImpl) latch(pageID page.PageID) *sync.RWMutex {
	l, _ := d.latches.LoadOrCompute(pageID, func() *sync.RWMutex { return &sync.RWMutex{} })
	return l
}

// checkRange 检查页号在可寻址范围内
func (d *DiskManagerImpl) checkRange(pageID page.PageID) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if !d.alloc.inRange(pageID) {
		return fmt.Errorf("%w: %d", ErrPageOutOfRange, pageID)
	}
	return nil
}

// Close 关闭文件句柄
func (d *DiskManagerImpl) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	metaErr := d.saveMeta()
	syncErr := d.dbFile.Sync()
	closeErr := d.dbFile.Close()
	return errors.Join(metaErr, syncErr, closeErr)
}

// ReadPage 从磁盘读取指定页的数据到内存中
func (d *DiskManagerImpl) ReadPage(pageID page.PageID, p *page.Page) error {
	if err := d.checkRange(pageID); err != nil {
		return err
	}

	l := d.latch(pageID)
	l.RLock()
	defer l.RUnlock()

	offset := int64(pageID) * int64(page.PageSize)
	bytesRead, err := d.dbFile.ReadAt(p.Data[:], offset)
	if err != nil {
		return fmt.Errorf("read page %d: %w", pageID, err)
	}
	if bytesRead < page.PageSize {
		// 这种情况通常意味着文件损坏或读取越界
		return fmt.Errorf("read page %d: read less than a full page", pageID)
	}
	return nil
}

// WritePage 将内存中的页数据写入磁盘
func (d *DiskManagerImpl) WritePage(pageID page.PageID, p *page.Page) error {
	if err := d.checkRange(pageID); err != nil {
		return err
	}

	l := d.latch(pageID)
	l.Lock()
	defer l.Unlock()

	offset := int64(pageID) * int64(page.PageSize)
	if _, err := d.dbFile.WriteAt(p.Data[:], offset); err != nil {
		return fmt.Errorf("write page %d: %w", pageID, err)
	}

	// 在高可靠性场景下，这里应该调用 d.dbFile.Sync() 确保刷盘
	// 但为了性能，由 Close 统一 Sync
	return nil
}

// AllocatePage 分配一个新的页 ID：优先复用最小的空闲页号，空间不够时翻倍
func (d *DiskManagerImpl) AllocatePage() (page.PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return page.InvalidPageID, ErrClosed
	}

	snap := d.alloc.snapshot()
	id, grew, err := d.alloc.allocate()
	if err != nil {
		return page.InvalidPageID, err
	}

	if grew {
		if err := d.ensureFileSize(); err != nil {
			d.alloc = snap
			return page.InvalidPageID, fmt.Errorf("grow data file: %w", err)
		}
		d.log.Info("data file grown", "capacity", d.alloc.capacity)
	}
	if err := d.saveMeta(); err != nil {
		d.alloc = snap
		return page.InvalidPageID, fmt.Errorf("persist meta: %w", err)
	}
	return id, nil
}

// DeallocatePage 标记页号可复用，并把磁盘上该页的状态字节清零
func (d *DiskManagerImpl) DeallocatePage(pageID page.PageID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	snap := d.alloc.snapshot()
	changed, err := d.alloc.release(pageID)
	if err != nil {
		return fmt.Errorf("%w: %d", err, pageID)
	}
	if !changed {
		return nil
	}

	l := d.latch(pageID)
	l.Lock()
	_, err = d.dbFile.WriteAt([]byte{page.StatusFree}, int64(pageID)*int64(page.PageSize))
	l.Unlock()
	if err != nil {
		d.alloc = snap
		return fmt.Errorf("clear page %d: %w", pageID, err)
	}

	if err := d.saveMeta(); err != nil {
		d.alloc = snap
		return fmt.Errorf("persist meta: %w", err)
	}
	logging.WithPage(int32(pageID)).Debug("page freed", "component", "disk")
	return nil
}

// NumAllocated 返回当前在用的页数
func (d *DiskManagerImpl) NumAllocated() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int(d.alloc.next) - len(d.alloc.free)
}

// Capacity 返回当前可寻址的页数
func (d *DiskManagerImpl) Capacity() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int(d.alloc.capacity)
}
