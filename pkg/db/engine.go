package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"pagestore/pkg/buffer"
	"pagestore/pkg/config"
	"pagestore/pkg/logging"
	"pagestore/pkg/storage/disk"
	"pagestore/pkg/storage/page"
	"pagestore/pkg/table"
)

// Row 是 SelectAll 返回的一条记录
type Row struct {
	RID   table.RID
	Value []byte
}

// Engine 把磁盘管理器、缓冲池和目录组装在一起，对外提供按表名的操作
type Engine struct {
	Config      config.Config
	DiskManager *disk.DiskManagerImpl
	BPM         *buffer.BufferPoolManager
	Catalog     *Catalog

	mu    sync.Mutex
	heaps map[string]*table.TableHeap
	log   *slog.Logger
}

// Open 打开 (或创建) cfg.DataDir 下的数据库
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.PoolSize < 2 {
		return nil, fmt.Errorf("pool size %d too small, tables need at least 2 frames", cfg.PoolSize)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	dm, err := disk.NewDiskManager(cfg.DataPath(), disk.Options{
		MetaFile:     cfg.MetaPath(),
		InitialPages: cfg.InitialPages,
		MaxPages:     cfg.MaxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("open disk manager: %w", err)
	}

	bpm, err := buffer.NewBufferPoolManager(dm, cfg.PoolSize)
	if err != nil {
		dm.Close()
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}

	catalog, err := NewCatalog(cfg.CatalogPath())
	if err != nil {
		dm.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	e := &Engine{
		Config:      cfg,
		DiskManager: dm,
		BPM:         bpm,
		Catalog:     catalog,
		heaps:       make(map[string]*table.TableHeap),
		log:         logging.WithComponent("engine"),
	}
	e.log.Info("database opened", "dir", cfg.DataDir, "tables", len(catalog.Tables), "pool_size", cfg.PoolSize)
	return e, nil
}

// Close 刷盘并关闭文件
func (e *Engine) Close() error {
	flushErr := e.BPM.FlushAllPages()
	metaErr := e.Catalog.SaveMeta()
	closeErr := e.DiskManager.Close()
	return errors.Join(flushErr, metaErr, closeErr)
}

func (e *Engine) Stats() buffer.Stats {
	return e.BPM.Stats()
}

func (e *Engine) ListTables() []string {
	return e.Catalog.ListTables()
}

// heap 返回表对应的 TableHeap，第一次访问时打开
func (e *Engine) heap(ctx context.Context, name string) (*table.TableHeap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.heaps[name]; ok {
		return h, nil
	}
	meta, ok := e.Catalog.GetTable(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	h, err := table.OpenTableHeap(ctx, e.BPM, page.PageID(meta.FirstPageID))
	if err != nil {
		return nil, err
	}
	e.heaps[name] = h
	return h, nil
}

// ---------------- 表操作 ----------------

func (e *Engine) CreateTable(ctx context.Context, name string) error {
	if e.Catalog.HasTable(name) {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	h, err := table.NewTableHeap(ctx, e.BPM)
	if err != nil {
		return err
	}
	if err := e.Catalog.CreateTable(name, h.FirstPageID()); err != nil {
		if derr := e.BPM.DeletePage(h.FirstPageID()); derr != nil {
			e.log.Warn("first page of failed table not deleted", "table", name, "page_id", h.FirstPageID(), "err", derr)
		}
		return err
	}

	e.mu.Lock()
	e.heaps[name] = h
	e.mu.Unlock()
	e.log.Info("table created", "table", name, "first_page_id", h.FirstPageID())
	return nil
}

// DropTable 删除目录项，并释放链表上的所有页
func (e *Engine) DropTable(ctx context.Context, name string) error {
	meta, err := e.Catalog.DropTable(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.heaps, name)
	e.mu.Unlock()

	pageID := page.PageID(meta.FirstPageID)
	for pageID != page.InvalidPageID {
		g, err := e.BPM.FetchPageRead(ctx, pageID)
		if err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
		next := page.NewTablePage(g.Page()).GetNextPageID()
		g.Release()

		if err := e.BPM.DeletePage(pageID); err != nil {
			e.log.Warn("page of dropped table not deleted", "table", name, "page_id", pageID, "err", err)
		}
		pageID = next
	}
	e.log.Info("table dropped", "table", name)
	return nil
}

func (e *Engine) Insert(ctx context.Context, name string, value []byte) (table.RID, error) {
	h, err := e.heap(ctx, name)
	if err != nil {
		return table.RID{}, err
	}
	return h.InsertRecord(ctx, value)
}

func (e *Engine) Get(ctx context.Context, name string, rid table.RID) ([]byte, error) {
	h, err := e.heap(ctx, name)
	if err != nil {
		return nil, err
	}
	return h.GetRecord(ctx, rid)
}

func (e *Engine) Update(ctx context.Context, name string, rid table.RID, value []byte) error {
	h, err := e.heap(ctx, name)
	if err != nil {
		return err
	}
	return h.UpdateRecord(ctx, rid, value)
}

// Delete 先打墓碑再真正删除
func (e *Engine) Delete(ctx context.Context, name string, rid table.RID) error {
	h, err := e.heap(ctx, name)
	if err != nil {
		return err
	}
	if err := h.MarkDelete(ctx, rid); err != nil {
		return err
	}
	return h.ApplyDelete(ctx, rid)
}

func (e *Engine) SelectAll(ctx context.Context, name string) ([]Row, error) {
	h, err := e.heap(ctx, name)
	if err != nil {
		return nil, err
	}

	it := h.Iterator(ctx)
	defer it.Close()

	var rows []Row
	for it.Next() {
		rows = append(rows, Row{RID: it.RID(), Value: it.Record()})
	}
	return rows, it.Err()
}
