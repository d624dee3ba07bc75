package enrollment

// ModuleProgress 模块进度投影，由编排层根据课程结构重新计算，不是权威数据
type ModuleProgress struct {
	ModuleID          string
	TotalLessons      int
	CompletedLessons  int
	InProgressLessons int
	TotalTimeSpent    int
}

func (m ModuleProgress) IsComplete() bool {
	return m.TotalLessons > 0 && m.CompletedLessons == m.TotalLessons
}

func (m ModuleProgress) Percentage() int {
	return percentage(m.CompletedLessons, m.TotalLessons)
}
