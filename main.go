package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pagestore/pkg/config"
	"pagestore/pkg/db"
	"pagestore/pkg/logging"
)

const Prompt = "minidb> "

func main() {
	cfg := config.Default()
	addr := flag.String("listen", "", "TCP address to serve on (e.g. :8888); empty reads commands from stdin")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the data, meta and catalog files")
	flag.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "number of buffer pool frames")
	flag.IntVar(&cfg.InitialPages, "initial-pages", cfg.InitialPages, "initial data file capacity in pages")
	flag.IntVar(&cfg.MaxPages, "max-pages", cfg.MaxPages, "maximum data file capacity in pages")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file path; empty logs to stderr")
	flag.Parse()

	if err := logging.Init(logging.Config{
		Level:      logging.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		Format:     cfg.LogFormat,
	}); err != nil {
		log.Fatalf("❌ Failed to init logger: %v", err)
	}
	defer logging.Close()

	engine, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logging.GetLogger().Error("close database", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *addr == "" {
		fmt.Println("🚀 MiniDB is ready. Type 'help' for commands, 'exit' to quit.")
		done := make(chan struct{})
		go func() {
			defer close(done)
			runSession(ctx, engine, os.Stdin, os.Stdout, "stdin")
		}()
		// 读 stdin 会阻塞，收到信号时直接退出并关闭数据库
		select {
		case <-done:
		case <-ctx.Done():
			fmt.Println()
		}
		return
	}
	serve(ctx, engine, *addr)
}

// serve 为每个连接启动一个会话，所有会话共享同一个 Engine
func serve(ctx context.Context, engine *db.Engine, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logging.GetLogger().Error("listen failed", "addr", addr, "err", err)
		return
	}
	fmt.Printf("👂 Listening on %s\n", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.GetLogger().Warn("connection accept error", "err", err)
			continue
		}
		go handleClient(ctx, engine, conn)
	}
}

func handleClient(ctx context.Context, engine *db.Engine, conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	logging.GetLogger().Info("new connection", "client", clientAddr)
	defer conn.Close()

	fmt.Fprintln(conn, "Welcome to MiniDB Server!")
	runSession(ctx, engine, conn, conn, clientAddr)
	logging.GetLogger().Info("client disconnected", "client", clientAddr)
}

// runSession 逐行读取命令并执行，直到 EOF、exit 或 ctx 被取消
func runSession(ctx context.Context, engine *db.Engine, in io.Reader, out io.Writer, client string) {
	shell := db.NewShell(engine, out)
	logger := logging.WithComponent("session").With("client", client)

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, Prompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, Prompt)
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		logger.Debug("exec", "command", line)

		// --- ⏱️ 开始计时 ---
		start := time.Now()
		err := shell.Execute(ctx, line)
		duration := time.Since(start)

		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		} else {
			// 格式: (0.0023 sec)
			fmt.Fprintf(out, "(%.4f sec)\n", duration.Seconds())
		}
		fmt.Fprint(out, Prompt)
	}
}
