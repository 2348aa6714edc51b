package db

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"pagestore/pkg/table"
)

// Shell 解析一行命令并调用 Engine 执行
type Shell struct {
	Engine *Engine
	Output io.Writer // 输出目标 (终端或客户端连接)
}

func NewShell(engine *Engine, output io.Writer) *Shell {
	return &Shell{Engine: engine, Output: output}
}

var (
	reShowTables  = regexp.MustCompile(`(?i)^show\s+tables$`)
	reCreateTable = regexp.MustCompile(`(?i)^create\s+table\s+(\w+)$`)
	reDropTable   = regexp.MustCompile(`(?i)^drop\s+table\s+(\w+)$`)
	reInsert      = regexp.MustCompile(`(?i)^insert\s+into\s+(\w+)\s+values\s*\((.+)\)$`)
	reSelect      = regexp.MustCompile(`(?i)^select\s+\*\s+from\s+(\w+)(?:\s+where\s+rid\s*=\s*(\S+))?$`)
	reUpdate      = regexp.MustCompile(`(?i)^update\s+(\w+)\s+set\s+value\s*=\s*(.+?)\s+where\s+rid\s*=\s*(\S+)$`)
	reDelete      = regexp.MustCompile(`(?i)^delete\s+from\s+(\w+)\s+where\s+rid\s*=\s*(\S+)$`)
	reStats       = regexp.MustCompile(`(?i)^stats$`)
	reHelp        = regexp.MustCompile(`(?i)^help$`)
)

// Execute 解析输入的命令并执行相应逻辑
func (s *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, ";")
	line = strings.TrimSpace(line)

	switch {
	case reHelp.MatchString(line):
		s.printHelp()
		return nil

	case reStats.MatchString(line):
		s.printStats()
		return nil

	case reShowTables.MatchString(line):
		fmt.Fprintln(s.Output, "Tables:")
		for _, name := range s.Engine.ListTables() {
			fmt.Fprintln(s.Output, "- "+name)
		}
		return nil

	case reCreateTable.MatchString(line):
		matches := reCreateTable.FindStringSubmatch(line)
		if err := s.Engine.CreateTable(ctx, matches[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Query OK, 0 rows affected.")
		return nil

	case reDropTable.MatchString(line):
		matches := reDropTable.FindStringSubmatch(line)
		if err := s.Engine.DropTable(ctx, matches[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Query OK, 0 rows affected.")
		return nil

	case reInsert.MatchString(line):
		matches := reInsert.FindStringSubmatch(line)
		return s.handleInsert(ctx, matches[1], matches[2])

	case reSelect.MatchString(line):
		matches := reSelect.FindStringSubmatch(line)
		return s.handleSelect(ctx, matches[1], matches[2])

	case reUpdate.MatchString(line):
		matches := reUpdate.FindStringSubmatch(line)
		return s.handleUpdate(ctx, matches[1], matches[2], matches[3])

	case reDelete.MatchString(line):
		matches := reDelete.FindStringSubmatch(line)
		rid, err := table.ParseRID(matches[2])
		if err != nil {
			return err
		}
		if err := s.Engine.Delete(ctx, matches[1], rid); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Query OK, 1 row affected.")
		return nil

	default:
		return fmt.Errorf("syntax error or unknown command: %s", line)
	}
}

// --- Handler 实现 ---

func (s *Shell) printHelp() {
	fmt.Fprintln(s.Output, "--- MiniDB Help ---")
	fmt.Fprintln(s.Output, "1. show tables;")
	fmt.Fprintln(s.Output, "2. create table <name>;")
	fmt.Fprintln(s.Output, "3. drop table <name>;")
	fmt.Fprintln(s.Output, "4. insert into <table> values ('<value>');")
	fmt.Fprintln(s.Output, "5. select * from <table> [where rid = <page>:<slot>];")
	fmt.Fprintln(s.Output, "6. update <table> set value = '<value>' where rid = <page>:<slot>;")
	fmt.Fprintln(s.Output, "7. delete from <table> where rid = <page>:<slot>;")
	fmt.Fprintln(s.Output, "8. stats;")
}

func (s *Shell) printStats() {
	st := s.Engine.Stats()
	bpm := s.Engine.BPM
	fmt.Fprintf(s.Output, "pool_size=%d resident=%d free=%d evictable=%d\n",
		bpm.PoolSize(), bpm.ResidentCount(), bpm.FreeFrameCount(), bpm.EvictableCount())
	fmt.Fprintf(s.Output, "hits=%d misses=%d evictions=%d write_backs=%d\n",
		st.Hits, st.Misses, st.Evictions, st.WriteBacks)
	fmt.Fprintf(s.Output, "disk_pages=%d capacity=%d\n",
		s.Engine.DiskManager.NumAllocated(), s.Engine.DiskManager.Capacity())
}

// unquote 去掉值两边的引号
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func (s *Shell) handleInsert(ctx context.Context, tableName, valueStr string) error {
	value := unquote(valueStr)
	if value == "" {
		return fmt.Errorf("insert value cannot be empty")
	}
	rid, err := s.Engine.Insert(ctx, tableName, []byte(value))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Output, "Query OK, 1 row affected. rid=%s\n", rid)
	return nil
}

func (s *Shell) handleUpdate(ctx context.Context, tableName, valueStr, ridStr string) error {
	rid, err := table.ParseRID(ridStr)
	if err != nil {
		return err
	}
	if err := s.Engine.Update(ctx, tableName, rid, []byte(unquote(valueStr))); err != nil {
		return err
	}
	fmt.Fprintln(s.Output, "Query OK, 1 row affected.")
	return nil
}

func (s *Shell) handleSelect(ctx context.Context, tableName, ridStr string) error {
	if ridStr == "" {
		rows, err := s.Engine.SelectAll(ctx, tableName)
		if err != nil {
			return err
		}

		fmt.Fprintf(s.Output, "--- %s ---\n", tableName)
		for _, r := range rows {
			fmt.Fprintf(s.Output, "[%s] %s\n", r.RID, r.Value)
		}
		fmt.Fprintf(s.Output, "(%d rows)\n", len(rows))
		return nil
	}

	rid, err := table.ParseRID(ridStr)
	if err != nil {
		return err
	}
	val, err := s.Engine.Get(ctx, tableName, rid)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Output, "--- %s ---\n", tableName)
	fmt.Fprintf(s.Output, "[%s] %s\n", rid, val)
	fmt.Fprintln(s.Output, "(1 row)")
	return nil
}
