package enrollment

import "time"

type LessonStatus string

const (
	LessonNotStarted LessonStatus = "not_started"
	LessonInProgress LessonStatus = "in_progress"
	LessonCompleted  LessonStatus = "completed"
)

// PassingScore 及格线
const PassingScore = 70

// LessonProgress 学员在单个课时上的进度，由 Enrollment 独占
type LessonProgress struct {
	LessonID         string
	ModuleID         string
	Status           LessonStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastAccessedAt   *time.Time
	TimeSpentSeconds int
	Attempts         int
	Score            *float64
	Passed           *bool
	Data             ProgressData
}

func (p LessonProgress) IsCompleted() bool { return p.Status == LessonCompleted }

func (p LessonProgress) IsStarted() bool { return p.Status != LessonNotStarted }

// start 推进 not_started -> in_progress，其余状态不变
func (p LessonProgress) start(now time.Time) LessonProgress {
	if p.Status != LessonNotStarted {
		return p
	}
	p.Status = LessonInProgress
	p.StartedAt = timePtr(now)
	p.Attempts++
	return p
}

func (p LessonProgress) complete(now time.Time, score *float64) LessonProgress {
	p = p.start(now)
	p.Status = LessonCompleted
	p.CompletedAt = timePtr(now)
	passed := true
	if score != nil {
		s := *score
		p.Score = &s
		passed = s >= PassingScore
	}
	p.Passed = &passed
	return p
}

func timePtr(t time.Time) *time.Time {
	return &t
}
