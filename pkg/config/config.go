package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

const (
	DefaultDataDir      = "./minidb_data"
	DefaultDataFile     = "data.db"
	DefaultMetaFile     = "data.meta.json"
	DefaultCatalogFile  = "catalog.json"
	DefaultPoolSize     = 100
	DefaultInitialPages = 16
	DefaultMaxPages     = 1 << 20
)

// Config 汇总了打开一个数据目录需要的全部参数
type Config struct {
	DataDir      string
	DataFile     string
	MetaFile     string
	CatalogFile  string
	PoolSize     int
	InitialPages int
	MaxPages     int
	LogLevel     string
	LogFormat    string
	LogFile      string
}

func Default() Config {
	return Config{
		DataDir:      DefaultDataDir,
		DataFile:     DefaultDataFile,
		MetaFile:     DefaultMetaFile,
		CatalogFile:  DefaultCatalogFile,
		PoolSize:     DefaultPoolSize,
		InitialPages: DefaultInitialPages,
		MaxPages:     DefaultMaxPages,
		LogLevel:     "INFO",
		LogFormat:    "text",
	}
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.DataFile == "" || c.MetaFile == "" || c.CatalogFile == "" {
		return errors.New("file names must not be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.InitialPages <= 0 {
		return fmt.Errorf("initial pages must be positive, got %d", c.InitialPages)
	}
	if c.MaxPages < c.InitialPages {
		return fmt.Errorf("max pages %d is smaller than initial pages %d", c.MaxPages, c.InitialPages)
	}
	return nil
}

func (c Config) DataPath() string    { return filepath.Join(c.DataDir, c.DataFile) }
func (c Config) MetaPath() string    { return filepath.Join(c.DataDir, c.MetaFile) }
func (c Config) CatalogPath() string { return filepath.Join(c.DataDir, c.CatalogFile) }
