package model

type CourseStatus string

const (
	CourseDraft     CourseStatus = "draft"
	CoursePublished CourseStatus = "published"
	CourseArchived  CourseStatus = "archived"
)

// Course 课程目录（本服务只读），EnrollmentCount 为选课计数缓存
type Course struct {
	UUIDBase
	TenantID        string         `gorm:"type:varchar(36);index;not null" json:"tenantId"`
	InstructorID    string         `gorm:"type:varchar(36);index" json:"instructorId"`
	Title           string         `gorm:"size:255;not null" json:"title"`
	Status          CourseStatus   `gorm:"size:20;default:'draft'" json:"status"`
	AccessDays      int            `gorm:"default:0" json:"accessDays"` // 0 表示永久有效
	EnrollmentCount int            `gorm:"default:0" json:"enrollmentCount"`
	Modules         []CourseModule `gorm:"foreignKey:CourseID" json:"modules,omitempty"`
}

func (Course) TableName() string {
	return "courses"
}

func (c *Course) IsPublished() bool {
	return c.Status == CoursePublished
}

// LessonCount 课程下全部课时数
func (c *Course) LessonCount() int {
	n := 0
	for _, m := range c.Modules {
		n += len(m.Lessons)
	}
	return n
}

// FindLesson 在课程结构中查找课时及其所属模块
func (c *Course) FindLesson(lessonID string) (*CourseLesson, bool) {
	for i := range c.Modules {
		for j := range c.Modules[i].Lessons {
			if c.Modules[i].Lessons[j].ID == lessonID {
				return &c.Modules[i].Lessons[j], true
			}
		}
	}
	return nil, false
}

type CourseModule struct {
	UUIDBase
	CourseID string         `gorm:"type:varchar(36);index;not null" json:"courseId"`
	Title    string         `gorm:"size:255" json:"title"`
	Order    int            `gorm:"default:0" json:"order"`
	Lessons  []CourseLesson `gorm:"foreignKey:ModuleID" json:"lessons,omitempty"`
}

func (CourseModule) TableName() string {
	return "course_modules"
}

type CourseLesson struct {
	UUIDBase
	CourseID string `gorm:"type:varchar(36);index;not null" json:"courseId"`
	ModuleID string `gorm:"type:varchar(36);index;not null" json:"moduleId"`
	Title    string `gorm:"size:255" json:"title"`
	Order    int    `gorm:"default:0" json:"order"`
}

func (CourseLesson) TableName() string {
	return "course_lessons"
}
