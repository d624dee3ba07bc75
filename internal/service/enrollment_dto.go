package service

import (
	"time"

	"coursehub_backend/internal/domain/enrollment"
)

type EnrollInCourseDto struct {
	TenantID        string `json:"tenantId"`
	StudentID       string `json:"studentId"`
	CourseID        string `json:"courseId" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId"`
}

type UpdateLessonProgressDto struct {
	LessonID             string         `json:"lessonId"`
	VideoPosition        *float64       `json:"videoPosition"`
	QuizAnswers          map[string]any `json:"quizAnswers"`
	AssignmentSubmission map[string]any `json:"assignmentSubmission"`
	TimeSpent            *int           `json:"timeSpent"`
	Completed            *bool          `json:"completed"`
	Score                *float64       `json:"score"`
}

func (d UpdateLessonProgressDto) progressData() enrollment.ProgressData {
	return enrollment.ProgressData{
		VideoPosition:        d.VideoPosition,
		QuizAnswers:          d.QuizAnswers,
		AssignmentSubmission: d.AssignmentSubmission,
	}
}

func (d UpdateLessonProgressDto) timeSpent() int {
	if d.TimeSpent == nil {
		return 0
	}
	return *d.TimeSpent
}

func (d UpdateLessonProgressDto) completed() bool {
	return d.Completed != nil && *d.Completed
}

type ModuleSummary struct {
	ModuleID          string `json:"moduleId"`
	Title             string `json:"title"`
	TotalLessons      int    `json:"totalLessons"`
	CompletedLessons  int    `json:"completedLessons"`
	InProgressLessons int    `json:"inProgressLessons"`
	TotalTimeSpent    int    `json:"totalTimeSpent"`
	Percentage        int    `json:"percentage"`
	Completed         bool   `json:"completed"`
}

type LessonSummary struct {
	LessonID         string                  `json:"lessonId"`
	ModuleID         string                  `json:"moduleId"`
	Status           enrollment.LessonStatus `json:"status"`
	StartedAt        *time.Time              `json:"startedAt,omitempty"`
	CompletedAt      *time.Time              `json:"completedAt,omitempty"`
	LastAccessedAt   *time.Time              `json:"lastAccessedAt,omitempty"`
	TimeSpentSeconds int                     `json:"timeSpentSeconds"`
	Attempts         int                     `json:"attempts"`
	Score            *float64                `json:"score,omitempty"`
	Passed           *bool                   `json:"passed,omitempty"`
	Data             enrollment.ProgressData `json:"progressData"`
}

type ProgressSummary struct {
	EnrollmentID         string            `json:"enrollmentId"`
	CourseID             string            `json:"courseId"`
	Status               enrollment.Status `json:"status"`
	CompletionPercentage int               `json:"completionPercentage"`
	TotalTimeSpent       int               `json:"totalTimeSpent"`
	LastAccessedAt       *time.Time        `json:"lastAccessedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	CertificateID        string            `json:"certificateId,omitempty"`
	Modules              []ModuleSummary   `json:"modules"`
	RecentProgress       []LessonSummary   `json:"recentProgress"`
}

// EnrollmentSummary 列表视图
type EnrollmentSummary struct {
	EnrollmentID         string            `json:"enrollmentId"`
	TenantID             string            `json:"tenantId"`
	StudentID            string            `json:"studentId"`
	CourseID             string            `json:"courseId"`
	Status               enrollment.Status `json:"status"`
	CompletionPercentage int               `json:"completionPercentage"`
	TotalTimeSpent       int               `json:"totalTimeSpent"`
	EnrolledAt           time.Time         `json:"enrolledAt"`
	LastAccessedAt       *time.Time        `json:"lastAccessedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	ExpiresAt            *time.Time        `json:"expiresAt,omitempty"`
	CertificateID        string            `json:"certificateId,omitempty"`
	Version              int               `json:"version"`
}

func toEnrollmentSummary(e *enrollment.Enrollment) EnrollmentSummary {
	return EnrollmentSummary{
		EnrollmentID:         e.ID(),
		TenantID:             e.TenantID(),
		StudentID:            e.StudentID(),
		CourseID:             e.CourseID(),
		Status:               e.Status(),
		CompletionPercentage: e.CompletionPercentage(),
		TotalTimeSpent:       e.TotalTimeSpent(),
		EnrolledAt:           e.EnrolledAt(),
		LastAccessedAt:       e.LastAccessedAt(),
		CompletedAt:          e.CompletedAt(),
		ExpiresAt:            e.ExpiresAt(),
		CertificateID:        e.CertificateID(),
		Version:              e.Version(),
	}
}

func toLessonSummary(p enrollment.LessonProgress) LessonSummary {
	return LessonSummary{
		LessonID:         p.LessonID,
		ModuleID:         p.ModuleID,
		Status:           p.Status,
		StartedAt:        p.StartedAt,
		CompletedAt:      p.CompletedAt,
		LastAccessedAt:   p.LastAccessedAt,
		TimeSpentSeconds: p.TimeSpentSeconds,
		Attempts:         p.Attempts,
		Score:            p.Score,
		Passed:           p.Passed,
		Data:             p.Data,
	}
}
