package main

import (
	"flag"
	"log"

	"quiz_sync_backend/internal/app"
	"quiz_sync_backend/internal/config"
	"quiz_sync_backend/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 命令行参数
	configDir := flag.String("config", "configs", "配置文件目录")
	migrateOnly := flag.Bool("migrate-only", false, "只执行数据库迁移，完成后退出")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.MigrateOnly = *migrateOnly

	application := app.NewApp(cfg)
	application.ConfigPath = *configDir

	// 迁移在 NewApp 中完成
	if cfg.MigrateOnly {
		logger.Log.Info("数据库迁移完成，退出程序")
		application.Close()
		return
	}

	if err := application.Run(); err != nil {
		logger.Log.Fatal("Server stopped with error", zap.Error(err))
	}
}
