// 手动重算课程选课计数
//
// 主应用每隔 enrollment.reconcile_interval 自动对账一次。
// 此脚本用于手动触发，例如批量导入选课数据或计数递增失败后。
// 配置与主程序一致（configs/config.yaml + COURSEHUB_* 环境变量），结果以 YAML 输出到 stdout。
//
// 用法: go run scripts/reconcile_enrollment_counts.go [-config configs]

package main

import (
	"context"
	"coursehub_backend/internal/config"
	"coursehub_backend/internal/repository"
	"coursehub_backend/pkg/database"
	"coursehub_backend/pkg/logger"
	"flag"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type report struct {
	Database     string    `yaml:"database"`
	FixedCourses int64     `yaml:"fixed_courses"`
	StartedAt    time.Time `yaml:"started_at"`
	Duration     string    `yaml:"duration"`
}

func main() {
	configDir := flag.String("config", "configs", "配置文件目录")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	db, err := database.InitDB(&cfg.Database, false)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now().UTC()
	log.Println("开始重算课程选课计数...")
	fixed, err := repository.NewCourseRepository(db).ReconcileEnrollmentCounts(ctx)
	if err != nil {
		log.Fatalf("对账失败: %v", err)
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	if err := enc.Encode(report{
		Database:     cfg.Database.DBName,
		FixedCourses: fixed,
		StartedAt:    start,
		Duration:     time.Since(start).Round(time.Millisecond).String(),
	}); err != nil {
		log.Fatalf("输出结果失败: %v", err)
	}
}
