package enrollment

import "maps"

// ProgressData 课时进度快照（视频位置、测验答案、作业提交）
// 值不可变：每次更新都通过 Merge 生成新值
type ProgressData struct {
	VideoPosition        *float64       `json:"videoPosition,omitempty"`
	QuizAnswers          map[string]any `json:"quizAnswers,omitempty"`
	AssignmentSubmission map[string]any `json:"assignmentSubmission,omitempty"`
}

// Merge 以字段为单位用 patch 覆盖当前值，嵌套对象整体替换
func (d ProgressData) Merge(patch ProgressData) ProgressData {
	out := d.clone()
	if patch.VideoPosition != nil {
		v := *patch.VideoPosition
		out.VideoPosition = &v
	}
	if patch.QuizAnswers != nil {
		out.QuizAnswers = maps.Clone(patch.QuizAnswers)
	}
	if patch.AssignmentSubmission != nil {
		out.AssignmentSubmission = maps.Clone(patch.AssignmentSubmission)
	}
	return out
}

func (d ProgressData) IsZero() bool {
	return d.VideoPosition == nil && d.QuizAnswers == nil && d.AssignmentSubmission == nil
}

func (d ProgressData) clone() ProgressData {
	out := ProgressData{
		QuizAnswers:          maps.Clone(d.QuizAnswers),
		AssignmentSubmission: maps.Clone(d.AssignmentSubmission),
	}
	if d.VideoPosition != nil {
		v := *d.VideoPosition
		out.VideoPosition = &v
	}
	return out
}
