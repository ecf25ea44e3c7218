package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/life2you_mini/sessionbot/internal/config"
	"github.com/life2you_mini/sessionbot/internal/logger"
	"github.com/life2you_mini/sessionbot/internal/services"
)

var (
	configFile = flag.String("config", "config/config.yaml", "配置文件路径")
	initConfig = flag.Bool("init", false, "写入示例配置后退出")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	if *initConfig {
		if err := config.WriteExampleConfig(*configFile); err != nil {
			fmt.Printf("写入示例配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("示例配置已写入 %s\n", *configFile)
		return
	}

	// .env 不存在时忽略
	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(logger.Options{
		Dir:   cfg.System.LogDir,
		Level: cfg.System.LogLevel,
	})
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Info("加载配置成功", zap.String("配置文件", *configFile))

	// 创建上下文，用于处理信号
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 设置信号处理
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// 创建服务
	service, err := services.NewSessionService(ctx, cfg, *configFile, log.Logger)
	if err != nil {
		log.Error("创建服务失败", zap.Error(err))
		return
	}

	// 启动服务
	service.Start()
	log.Info("服务已启动")

	// 等待终止信号
	sig := <-signalChan
	log.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	// 创建关闭超时上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 停止服务
	if err := service.Stop(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
		return
	}

	log.Info("服务已优雅关闭")
}
