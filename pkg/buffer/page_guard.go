package buffer

import (
	"context"

	"pagestore/pkg/storage/page"
)

type latchMode uint8

const (
	latchNone latchMode = iota
	latchRead
	latchWrite
)

// PageGuard 持有一个页面的 Pin (以及可选的读/写 latch)，Release 时一起释放。
// Release 可以重复调用，适合 defer guard.Release()。
type PageGuard struct {
	bpm      *BufferPoolManager
	page     *page.Page
	mode     latchMode
	dirty    bool
	released bool
}

func newPageGuard(bpm *BufferPoolManager, p *page.Page, mode latchMode) *PageGuard {
	switch mode {
	case latchRead:
		p.RLatch()
	case latchWrite:
		p.WLatch()
	}
	return &PageGuard{bpm: bpm, page: p, mode: mode}
}

func (g *PageGuard) Page() *page.Page {
	return g.page
}

func (g *PageGuard) PageID() page.PageID {
	return g.page.ID()
}

// Data 返回整页的字节数组 (包括页头)
func (g *PageGuard) Data() []byte {
	return g.page.Data[:]
}

// MarkDirty 记录本次持有期间修改过页面，Release 时带上脏标记
func (g *PageGuard) MarkDirty() {
	g.dirty = true
}

func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true

	switch g.mode {
	case latchRead:
		g.page.RUnlatch()
	case latchWrite:
		g.page.WUnlatch()
	}
	g.bpm.UnpinPage(g.page.ID(), g.dirty)
}

// FetchPageBasic 只持有 Pin，不加 latch
func (b *BufferPoolManager) FetchPageBasic(ctx context.Context, pageID page.PageID) (*PageGuard, error) {
	p, err := b.FetchPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return newPageGuard(b, p, latchNone), nil
}

// FetchPageRead 持有 Pin 和读 latch
func (b *BufferPoolManager) FetchPageRead(ctx context.Context, pageID page.PageID) (*PageGuard, error) {
	p, err := b.FetchPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return newPageGuard(b, p, latchRead), nil
}

// FetchPageWrite 持有 Pin 和写 latch
func (b *BufferPoolManager) FetchPageWrite(ctx context.Context, pageID page.PageID) (*PageGuard, error) {
	p, err := b.FetchPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return newPageGuard(b, p, latchWrite), nil
}

// NewPageGuarded 分配新页并持有写 latch
func (b *BufferPoolManager) NewPageGuarded(ctx context.Context) (*PageGuard, error) {
	p, err := b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	g := newPageGuard(b, p, latchWrite)
	g.dirty = true
	return g, nil
}
