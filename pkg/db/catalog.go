package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"pagestore/pkg/storage/page"
)

var (
	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
)

// TableMeta 定义表的元数据
type TableMeta struct {
	Name        string `json:"name"`
	FirstPageID int32  `json:"first_page_id"` // 为了 JSON 序列化方便，这里存 int32，使用时转 PageID
}

// Catalog 记录表名到第一页的映射，每次修改都整体写回 JSON 文件
type Catalog struct {
	Tables   map[string]*TableMeta
	MetaFile string
	mu       sync.RWMutex
}

func NewCatalog(metaFile string) (*Catalog, error) {
	c := &Catalog{
		Tables:   make(map[string]*TableMeta),
		MetaFile: metaFile,
	}
	if err := c.LoadMeta(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadMeta 读取元数据文件，文件不存在时是空目录
func (c *Catalog) LoadMeta() error {
	raw, err := os.ReadFile(c.MetaFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &c.Tables); err != nil {
		return fmt.Errorf("decode catalog %s: %w", c.MetaFile, err)
	}
	return nil
}

func (c *Catalog) SaveMeta() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Catalog) saveLocked() error {
	raw, err := json.MarshalIndent(c.Tables, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.MetaFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o664); err != nil {
		return err
	}
	return os.Rename(tmp, c.MetaFile)
}

// CreateTable 注册新表
func (c *Catalog) CreateTable(name string, firstPageID page.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.Tables[name]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	c.Tables[name] = &TableMeta{
		Name:        name,
		FirstPageID: int32(firstPageID),
	}
	if err := c.saveLocked(); err != nil {
		delete(c.Tables, name)
		return err
	}
	return nil
}

func (c *Catalog) GetTable(name string) (*TableMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.Tables[name]
	return meta, ok
}

func (c *Catalog) HasTable(name string) bool {
	_, ok := c.GetTable(name)
	return ok
}

func (c *Catalog) DropTable(name string) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.Tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(c.Tables, name)
	if err := c.saveLocked(); err != nil {
		c.Tables[name] = meta
		return nil, err
	}
	return meta, nil
}

// ListTables 按名字排序
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
