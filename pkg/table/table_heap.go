package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"pagestore/pkg/buffer"
	"pagestore/pkg/logging"
	"pagestore/pkg/storage/page"
)

var ErrRecordTooLarge = errors.New("record does not fit in an empty page")

// MaxRecordSize 一条记录最大能有多大 (独占一个空页)
const MaxRecordSize = page.UsableSpace - page.SlotSize

// RID 定位一条记录: 页号 + slot 编号
type RID struct {
	PageID page.PageID
	Slot   int
}

func (r RID) String() string {
	return fmt.Sprintf("%d:%d", r.PageID, r.Slot)
}

// ParseRID 解析 "页号:slot" 形式的字符串
func ParseRID(s string) (RID, error) {
	pageStr, slotStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return RID{}, fmt.Errorf("invalid rid %q, want <page>:<slot>", s)
	}
	pageID, err := strconv.ParseInt(pageStr, 10, 32)
	if err != nil {
		return RID{}, fmt.Errorf("invalid rid page %q: %w", pageStr, err)
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil {
		return RID{}, fmt.Errorf("invalid rid slot %q: %w", slotStr, err)
	}
	return RID{PageID: page.PageID(pageID), Slot: slot}, nil
}

// TableHeap 是一个表的所有 TablePage 组成的双向链表。
// 插入只追加在最后一页；ApplyDelete 之后变空的页 (第一页除外) 会被摘掉并删除。
// 需要同时持有两个页面，所以缓冲池至少要有 2 个 Frame。
type TableHeap struct {
	bpm         *buffer.BufferPoolManager
	firstPageID page.PageID

	mu         sync.Mutex // 串行化链表结构的修改
	lastPageID page.PageID
	orphans    []page.PageID // 已从链表摘掉、但删除时仍被 Pin 住的页
	log        *slog.Logger
}

// NewTableHeap 创建一个只有一页的空表
func NewTableHeap(ctx context.Context, bpm *buffer.BufferPoolManager) (*TableHeap, error) {
	g, err := bpm.NewPageGuarded(ctx)
	if err != nil {
		return nil, fmt.Errorf("create first table page: %w", err)
	}
	page.NewTablePage(g.Page()).Init(page.InvalidPageID, page.InvalidPageID)
	firstPageID := g.PageID()
	g.Release()

	return &TableHeap{
		bpm:         bpm,
		firstPageID: firstPageID,
		lastPageID:  firstPageID,
		log:         logging.WithComponent("table").With("first_page_id", firstPageID),
	}, nil
}

// OpenTableHeap 打开一个已经存在的表，沿着链表找到最后一页
func OpenTableHeap(ctx context.Context, bpm *buffer.BufferPoolManager, firstPageID page.PageID) (*TableHeap, error) {
	last := firstPageID
	for {
		g, err := bpm.FetchPageRead(ctx, last)
		if err != nil {
			return nil, fmt.Errorf("open table at page %d: %w", firstPageID, err)
		}
		next := page.NewTablePage(g.Page()).GetNextPageID()
		g.Release()
		if next == page.InvalidPageID {
			break
		}
		last = next
	}

	return &TableHeap{
		bpm:         bpm,
		firstPageID: firstPageID,
		lastPageID:  last,
		log:         logging.WithComponent("table").With("first_page_id", firstPageID),
	}, nil
}

func (t *TableHeap) FirstPageID() page.PageID {
	return t.firstPageID
}

// InsertRecord 追加一条记录；最后一页放不下时在链表末尾挂一个新页
func (t *TableHeap) InsertRecord(ctx context.Context, record []byte) (RID, error) {
	if len(record) > MaxRecordSize {
		return RID{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	g, err := t.bpm.FetchPageWrite(ctx, t.lastPageID)
	if err != nil {
		return RID{}, err
	}
	tp := page.NewTablePage(g.Page())
	slot, err := tp.InsertRecord(record)
	if err == nil {
		g.MarkDirty()
		g.Release()
		return RID{PageID: t.lastPageID, Slot: slot}, nil
	}
	if !errors.Is(err, page.ErrNotEnoughSpace) {
		g.Release()
		return RID{}, err
	}

	ng, err := t.bpm.NewPageGuarded(ctx)
	if err != nil {
		g.Release()
		return RID{}, fmt.Errorf("extend table: %w", err)
	}
	ntp := page.NewTablePage(ng.Page())
	ntp.Init(t.lastPageID, page.InvalidPageID)
	tp.SetNextPageID(ng.PageID())
	g.MarkDirty()
	g.Release()

	t.lastPageID = ng.PageID()
	slot, err = ntp.InsertRecord(record)
	ng.Release()
	if err != nil {
		return RID{}, err
	}
	t.log.Debug("table extended", "page_id", t.lastPageID)
	return RID{PageID: t.lastPageID, Slot: slot}, nil
}

func (t *TableHeap) GetRecord(ctx context.Context, rid RID) ([]byte, error) {
	g, err := t.bpm.FetchPageRead(ctx, rid.PageID)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	return page.NewTablePage(g.Page()).GetRecord(rid.Slot)
}

// modify 在写 latch 下对记录所在的页执行 fn，成功时标记为脏
func (t *TableHeap) modify(ctx context.Context, rid RID, fn func(tp *page.TablePage) error) error {
	g, err := t.bpm.FetchPageWrite(ctx, rid.PageID)
	if err != nil {
		return err
	}
	defer g.Release()

	if err := fn(page.NewTablePage(g.Page())); err != nil {
		return fmt.Errorf("rid %s: %w", rid, err)
	}
	g.MarkDirty()
	return nil
}

func (t *TableHeap) MarkDelete(ctx context.Context, rid RID) error {
	return t.modify(ctx, rid, func(tp *page.TablePage) error { return tp.MarkDelete(rid.Slot) })
}

func (t *TableHeap) RollbackDelete(ctx context.Context, rid RID) error {
	return t.modify(ctx, rid, func(tp *page.TablePage) error { return tp.RollbackDelete(rid.Slot) })
}

func (t *TableHeap) UpdateRecord(ctx context.Context, rid RID, record []byte) error {
	return t.modify(ctx, rid, func(tp *page.TablePage) error { return tp.UpdateRecord(rid.Slot, record) })
}

// ApplyDelete 真正删除记录。页面因此变空时把它从链表中摘掉并交给缓冲池删除
func (t *TableHeap) ApplyDelete(ctx context.Context, rid RID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reclaimLocked()

	var empty bool
	var prev, next page.PageID
	err := t.modify(ctx, rid, func(tp *page.TablePage) error {
		if err := tp.ApplyDelete(rid.Slot); err != nil {
			return err
		}
		empty = tp.IsEmpty()
		prev, next = tp.GetPrevPageID(), tp.GetNextPageID()
		return nil
	})
	if err != nil {
		return err
	}

	if !empty || rid.PageID == t.firstPageID {
		return nil
	}
	return t.unlink(ctx, rid.PageID, prev, next)
}

// unlink 把 pageID 从链表中摘掉。调用方持有 t.mu
func (t *TableHeap) unlink(ctx context.Context, pageID, prev, next page.PageID) error {
	pg, err := t.bpm.FetchPageWrite(ctx, prev)
	if err != nil {
		return fmt.Errorf("unlink page %d: %w", pageID, err)
	}
	page.NewTablePage(pg.Page()).SetNextPageID(next)
	pg.MarkDirty()
	pg.Release()

	if next != page.InvalidPageID {
		ng, err := t.bpm.FetchPageWrite(ctx, next)
		if err != nil {
			return fmt.Errorf("unlink page %d: %w", pageID, err)
		}
		page.NewTablePage(ng.Page()).SetPrevPageID(prev)
		ng.MarkDirty()
		ng.Release()
	}

	if t.lastPageID == pageID {
		t.lastPageID = prev
	}

	// 正在被迭代器 Pin 住的页删不掉，先记下来，之后再删
	if err := t.bpm.DeletePage(pageID); err != nil {
		t.log.Warn("empty page unlinked, delete deferred", "page_id", pageID, "err", err)
		t.orphans = append(t.orphans, pageID)
		return nil
	}
	t.log.Debug("empty page removed", "page_id", pageID)
	return nil
}

// reclaim 重试删除之前摘掉但没删成功的页
func (t *TableHeap) reclaim() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reclaimLocked()
}

func (t *TableHeap) reclaimLocked() {
	if len(t.orphans) == 0 {
		return
	}
	remaining := t.orphans[:0]
	for _, pageID := range t.orphans {
		if err := t.bpm.DeletePage(pageID); err != nil {
			remaining = append(remaining, pageID)
			continue
		}
		t.log.Debug("deferred page removed", "page_id", pageID)
	}
	t.orphans = remaining
}

// Iterator 从第一页开始按 (页号, slot) 顺序遍历所有有效记录
func (t *TableHeap) Iterator(ctx context.Context) *TableIterator {
	it := &TableIterator{heap: t, bpm: t.bpm, ctx: ctx, slot: -1}
	g, err := t.bpm.FetchPageBasic(ctx, t.firstPageID)
	if err != nil {
		it.err = err
		return it
	}
	it.guard = g
	return it
}
