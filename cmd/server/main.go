package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/internal/config"
	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/internal/server"
	"go.uber.org/zap"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	// Parse command-line flags
	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Address for WebSocket clients, shared with TCP clients unless -tcp-addr is set (e.g., :3001)")
	tcpAddr := flag.String("tcp-addr", "", "Separate address for TCP clients (e.g., :3002)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	if err := run(*configPath, *addr, *tcpAddr, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "pair chat server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr, tcpAddr, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port := os.Getenv("PORT"); port != "" && addr == "" {
		addr = ":" + port
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if tcpAddr != "" {
		cfg.TCPAddr = tcpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	hub := chat.NewHub(log)
	defer hub.Close()

	srv := server.NewUnifiedServer(cfg, hub, log)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TCPAddr == "" {
		log.Info("starting pair chat server", zap.String("addr", cfg.Addr), zap.String("mode", "single port"))
	} else {
		log.Info("starting pair chat server", zap.String("ws_addr", cfg.Addr), zap.String("tcp_addr", cfg.TCPAddr))
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server error", zap.Error(err))
		return err
	}

	log.Info("pair chat server stopped", zap.Int("clients", hub.ClientCount()))
	return nil
}
