package database

import (
	"coursehub_backend/internal/config"
	"coursehub_backend/internal/model"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models 需要自动迁移的全部表
func Models() []interface{} {
	return []interface{}{
		&model.Course{},
		&model.CourseModule{},
		&model.CourseLesson{},
		&model.Enrollment{},
		&model.LessonProgress{},
		&model.ModuleProgress{},
		&model.EnrollmentEvent{},
		&model.Certificate{},
	}
}

func InitDB(cfg *config.DatabaseConfig, migrate bool) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.Charset,
		cfg.ParseTime,
	)

	level := logger.Warn
	if cfg.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connection established")

	if !migrate {
		return db, nil
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	log.Println("Database migration completed")

	return db, nil
}
