// Package testutil 仓储/服务测试用的内存 SQLite 数据库与种子数据
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"coursehub_backend/internal/model"
	"coursehub_backend/pkg/database"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// DB 为每个测试创建独立的内存库并完成迁移
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=0", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(database.Models()...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

// CourseSpec 课程结构：每个元素为一个模块下的课时 ID 列表
type CourseSpec struct {
	ID           string
	TenantID     string
	InstructorID string
	Status       model.CourseStatus
	AccessDays   int
	Modules      map[string][]string
}

func SeedCourse(tb testing.TB, db *gorm.DB, spec CourseSpec) *model.Course {
	tb.Helper()
	if spec.Status == "" {
		spec.Status = model.CoursePublished
	}
	course := &model.Course{
		UUIDBase:     model.UUIDBase{ID: spec.ID},
		TenantID:     spec.TenantID,
		InstructorID: spec.InstructorID,
		Title:        "Course " + spec.ID,
		Status:       spec.Status,
		AccessDays:   spec.AccessDays,
	}
	if err := db.WithContext(context.Background()).Create(course).Error; err != nil {
		tb.Fatalf("seed course: %v", err)
	}

	order := 0
	for moduleID, lessonIDs := range spec.Modules {
		order++
		mod := &model.CourseModule{
			UUIDBase: model.UUIDBase{ID: moduleID},
			CourseID: spec.ID,
			Title:    "Module " + moduleID,
			Order:    order,
		}
		if err := db.Create(mod).Error; err != nil {
			tb.Fatalf("seed module: %v", err)
		}
		for i, lessonID := range lessonIDs {
			lesson := &model.CourseLesson{
				UUIDBase: model.UUIDBase{ID: lessonID},
				CourseID: spec.ID,
				ModuleID: moduleID,
				Title:    "Lesson " + lessonID,
				Order:    i,
			}
			if err := db.Create(lesson).Error; err != nil {
				tb.Fatalf("seed lesson: %v", err)
			}
		}
	}
	return course
}
