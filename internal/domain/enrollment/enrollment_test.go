package enrollment

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"coursehub_backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func newEnrollment(t *testing.T, clock *fakeClock, lessons ...LessonRef) *Enrollment {
	t.Helper()
	e, err := New(NewParams{
		ID:        "enr-1",
		TenantID:  "tenant-1",
		StudentID: "student-1",
		CourseID:  "course-1",
		Lessons:   lessons,
	}, WithClock(clock.now))
	require.NoError(t, err)
	e.MarkPersisted(1)
	return e
}

func countEvents(events []Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

func score(v float64) *float64 { return &v }

func TestNewValidatesIdentity(t *testing.T) {
	_, err := New(NewParams{ID: "e", TenantID: "t", StudentID: "s"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
}

func TestNewSeedsPlaceholdersAndRaisesCreated(t *testing.T) {
	clock := newClock()
	e, err := New(NewParams{
		ID: "enr-1", TenantID: "t", StudentID: "s", CourseID: "c",
		Lessons: []LessonRef{{LessonID: "L1", ModuleID: "M1"}, {LessonID: "L2", ModuleID: "M1"}},
	}, WithClock(clock.now))
	require.NoError(t, err)

	assert.Equal(t, StatusActive, e.Status())
	assert.Equal(t, 2, e.TrackedLessons())
	l1, ok := e.Lesson("L1")
	require.True(t, ok)
	assert.Equal(t, LessonNotStarted, l1.Status)
	assert.Equal(t, 0, l1.Attempts)
	assert.Equal(t, "M1", l1.ModuleID)
	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventEnrollmentCreated))
}

func TestStartLessonIsIdempotent(t *testing.T) {
	clock := newClock()
	e := newEnrollment(t, clock)

	require.NoError(t, e.StartLesson("L1"))
	first, _ := e.Lesson("L1")
	assert.Equal(t, LessonInProgress, first.Status)
	assert.Equal(t, 1, first.Attempts)
	require.NotNil(t, first.StartedAt)

	clock.advance(time.Minute)
	require.NoError(t, e.StartLesson("L1"))
	second, _ := e.Lesson("L1")
	assert.Equal(t, 1, second.Attempts)
	assert.Equal(t, *first.StartedAt, *second.StartedAt)
	assert.Equal(t, clock.t, *e.LastAccessedAt())
}

func TestStartLessonInRecordsModule(t *testing.T) {
	e := newEnrollment(t, newClock())
	require.NoError(t, e.StartLessonIn(LessonRef{LessonID: "L9", ModuleID: "M3"}))

	p, ok := e.Lesson("L9")
	require.True(t, ok)
	assert.Equal(t, "M3", p.ModuleID)
	assert.Equal(t, LessonInProgress, p.Status)
	assert.Equal(t, 1, e.TrackedLessons())
}

func TestUpdateLessonProgressOnUntrackedLessonLeavesAggregateUntouched(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1", ModuleID: "M1"})
	before := e.Snapshot()
	eventsBefore := len(e.PendingEvents())

	err := e.UpdateLessonProgress("L9", ProgressData{VideoPosition: score(12)}, 30)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
	assert.Equal(t, before, e.Snapshot())
	assert.Len(t, e.PendingEvents(), eventsBefore)
}

func TestUpdateLessonProgressMergesAndAccumulatesTime(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1", ModuleID: "M1"})

	require.NoError(t, e.UpdateLessonProgress("L1", ProgressData{
		VideoPosition: score(30),
		QuizAnswers:   map[string]any{"q1": "a", "q2": "b"},
	}, 45))
	require.NoError(t, e.UpdateLessonProgress("L1", ProgressData{
		QuizAnswers: map[string]any{"q3": "c"},
	}, 15))

	p, _ := e.Lesson("L1")
	assert.Equal(t, LessonInProgress, p.Status, "update starts a not_started lesson")
	assert.Equal(t, 1, p.Attempts)
	require.NotNil(t, p.Data.VideoPosition)
	assert.Equal(t, 30.0, *p.Data.VideoPosition)
	assert.Equal(t, map[string]any{"q3": "c"}, p.Data.QuizAnswers, "nested objects are replaced, not merged")
	assert.Equal(t, 60, p.TimeSpentSeconds)
	assert.Equal(t, 60, e.TotalTimeSpent())

	err := e.UpdateLessonProgress("L1", ProgressData{}, -1)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
}

func TestProgressDataMergeDoesNotAliasInputs(t *testing.T) {
	answers := map[string]any{"q1": "a"}
	base := ProgressData{}
	merged := base.Merge(ProgressData{QuizAnswers: answers})
	answers["q1"] = "changed"

	assert.Equal(t, "a", merged.QuizAnswers["q1"])
	assert.True(t, base.IsZero())
}

func TestCompleteLessonEmitsOncePerLesson(t *testing.T) {
	e := newEnrollment(t, newClock(),
		LessonRef{LessonID: "L1"}, LessonRef{LessonID: "L2"}, LessonRef{LessonID: "L3"})

	calls := []string{"L1", "L1", "L2", "L1", "L2"}
	for _, id := range calls {
		require.NoError(t, e.CompleteLesson(id, nil))
	}

	assert.Equal(t, 2, countEvents(e.PendingEvents(), EventLessonCompleted))
	assert.Equal(t, 67, e.CompletionPercentage())
	assert.Equal(t, StatusActive, e.Status())
}

func TestCompletionPercentageIsRoundedAndMonotonic(t *testing.T) {
	refs := make([]LessonRef, 0, 7)
	ids := make([]string, 0, 7)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		refs = append(refs, LessonRef{LessonID: id})
		ids = append(ids, id)
	}
	e := newEnrollment(t, newClock(), refs...)

	rnd := rand.New(rand.NewSource(42))
	last := 0
	for i := 0; i < 40; i++ {
		id := ids[rnd.Intn(len(ids))]
		require.NoError(t, e.CompleteLesson(id, nil))

		pct := e.CompletionPercentage()
		want := int(math.Round(100 * float64(e.CompletedLessons()) / float64(e.TrackedLessons())))
		assert.Equal(t, want, pct)
		assert.GreaterOrEqual(t, pct, last)
		assert.LessOrEqual(t, pct, 100)
		last = pct
	}
}

func TestCompletionPercentageNeverDecreasesWhenTrackedSetGrows(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"}, LessonRef{LessonID: "L2"})
	require.NoError(t, e.CompleteLesson("L1", nil))
	assert.Equal(t, 50, e.CompletionPercentage())

	for _, id := range []string{"L3", "L4", "L5", "L6"} {
		require.NoError(t, e.StartLesson(id))
	}
	require.NoError(t, e.CompleteLesson("L2", nil))
	assert.Equal(t, 50, e.CompletionPercentage())
}

// 聚合只以已有进度记录的课时为分母：课程有两课时，但只跟踪了 L1
func TestSingleTrackedLessonCompletesCourse(t *testing.T) {
	e := newEnrollment(t, newClock())

	require.NoError(t, e.StartLesson("L1"))
	require.NoError(t, e.CompleteLesson("L1", nil))

	assert.Equal(t, 1, e.TrackedLessons())
	assert.Equal(t, 100, e.CompletionPercentage())
	assert.Equal(t, StatusCompleted, e.Status())
	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventCourseCompleted))
	_, touched := e.Lesson("L2")
	assert.False(t, touched)
}

func TestSeededLessonsKeepFullCourseDenominator(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1", ModuleID: "M1"}, LessonRef{LessonID: "L2", ModuleID: "M1"})

	require.NoError(t, e.CompleteLesson("L1", nil))
	assert.Equal(t, 50, e.CompletionPercentage())
	assert.Equal(t, StatusActive, e.Status())
}

func TestFailingScoreStillCompletesLesson(t *testing.T) {
	e := newEnrollment(t, newClock())
	require.NoError(t, e.StartLesson("L1"))
	require.NoError(t, e.StartLesson("L2"))
	require.NoError(t, e.CompleteLesson("L1", nil))
	require.NoError(t, e.CompleteLesson("L2", score(65)))

	l1, _ := e.Lesson("L1")
	require.NotNil(t, l1.Passed)
	assert.True(t, *l1.Passed)
	assert.Nil(t, l1.Score)

	l2, _ := e.Lesson("L2")
	assert.Equal(t, LessonCompleted, l2.Status)
	require.NotNil(t, l2.Passed)
	assert.False(t, *l2.Passed)
	assert.Equal(t, 65.0, *l2.Score)

	assert.Equal(t, 100, e.CompletionPercentage())
	assert.Equal(t, StatusCompleted, e.Status())
	assert.Empty(t, e.CertificateID())

	var completed CourseCompletedEvent
	for _, ev := range e.PendingEvents() {
		if c, ok := ev.(CourseCompletedEvent); ok {
			completed = c
		}
	}
	assert.False(t, completed.CertificateIssued)
}

func TestPassingScoreBoundary(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"}, LessonRef{LessonID: "L2"}, LessonRef{LessonID: "L3"})
	require.NoError(t, e.CompleteLesson("L1", score(70)))
	l1, _ := e.Lesson("L1")
	assert.True(t, *l1.Passed)

	err := e.CompleteLesson("L2", score(101))
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
	l2, _ := e.Lesson("L2")
	assert.Equal(t, LessonNotStarted, l2.Status)
}

func TestMarkAsCompletedIsIdempotent(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"})

	require.NoError(t, e.MarkAsCompleted("cert-1"))
	require.NoError(t, e.MarkAsCompleted("cert-2"))

	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventCourseCompleted))
	assert.Equal(t, "cert-1", e.CertificateID())
	assert.Equal(t, 100, e.CompletionPercentage())
	require.NotNil(t, e.CompletedAt())
}

func TestCompletingRemainingLessonAfterCourseCompletionDoesNotRecomplete(t *testing.T) {
	e := newEnrollment(t, newClock())
	require.NoError(t, e.StartLesson("L1"))
	require.NoError(t, e.CompleteLesson("L1", nil))
	require.NoError(t, e.StartLesson("L2"))
	require.NoError(t, e.CompleteLesson("L2", nil))

	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventCourseCompleted))
	assert.Equal(t, 2, countEvents(e.PendingEvents(), EventLessonCompleted))
	assert.Equal(t, 100, e.CompletionPercentage())
}

func TestAttachCertificate(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"})
	err := e.AttachCertificate("cert-1")
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))

	require.NoError(t, e.CompleteLesson("L1", nil))
	require.NoError(t, e.AttachCertificate("cert-1"))
	require.NoError(t, e.AttachCertificate("cert-1"))
	assert.Equal(t, "cert-1", e.CertificateID())
	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventCertificateIssued))

	// 同批未提交的完成事件被补全证书信息
	for _, ev := range e.PendingEvents() {
		if cc, ok := ev.(CourseCompletedEvent); ok {
			assert.True(t, cc.CertificateIssued)
			assert.Equal(t, "cert-1", cc.CertificateID)
		}
	}

	err = e.AttachCertificate("cert-2")
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
}

func TestAttachCertificateAfterPersistKeepsCompletedEvent(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"})
	require.NoError(t, e.CompleteLesson("L1", nil))
	e.MarkPersisted(1)

	require.NoError(t, e.AttachCertificate("cert-9"))
	events := e.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventCertificateIssued, events[0].Name())
}

func TestSuspendAndReactivate(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"})

	err := e.Reactivate()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))

	require.NoError(t, e.Suspend("payment dispute"))
	assert.Equal(t, StatusSuspended, e.Status())
	assert.Equal(t, "payment dispute", e.SuspendReason())
	assert.True(t, domain.IsCode(e.Suspend("again"), domain.CodeInvalidState))

	assert.True(t, domain.IsCode(e.StartLesson("L1"), domain.CodeInvalidState))
	assert.True(t, domain.IsCode(e.CompleteLesson("L1", nil), domain.CodeInvalidState))

	require.NoError(t, e.Reactivate())
	require.NoError(t, e.Suspend(""))
	require.NoError(t, e.Reactivate())
	assert.Equal(t, StatusActive, e.Status())

	keys := map[string]bool{}
	for _, ev := range e.PendingEvents() {
		assert.False(t, keys[ev.DedupeKey()], "duplicate dedupe key %s", ev.DedupeKey())
		keys[ev.DedupeKey()] = true
	}
	assert.Equal(t, 2, countEvents(e.PendingEvents(), EventEnrollmentSuspended))
	assert.Equal(t, 2, countEvents(e.PendingEvents(), EventEnrollmentReactivated))
}

func TestCompletedIsTerminal(t *testing.T) {
	e := newEnrollment(t, newClock(), LessonRef{LessonID: "L1"})
	require.NoError(t, e.CompleteLesson("L1", nil))

	assert.True(t, domain.IsCode(e.Suspend(""), domain.CodeInvalidState))
	assert.True(t, domain.IsCode(e.Reactivate(), domain.CodeInvalidState))
}

func TestCheckExpiration(t *testing.T) {
	clock := newClock()
	expires := clock.t.Add(24 * time.Hour)
	e, err := New(NewParams{
		ID: "enr-1", TenantID: "t", StudentID: "s", CourseID: "c",
		ExpiresAt: &expires,
		Lessons:   []LessonRef{{LessonID: "L1"}},
	}, WithClock(clock.now))
	require.NoError(t, err)

	assert.False(t, e.CheckExpiration())
	clock.advance(25 * time.Hour)
	assert.True(t, e.CheckExpiration())
	assert.Equal(t, StatusExpired, e.Status())
	assert.False(t, e.CheckExpiration())
	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventEnrollmentExpired))

	assert.True(t, domain.IsCode(e.UpdateLessonProgress("L1", ProgressData{}, 5), domain.CodeInvalidState))
	assert.True(t, domain.IsCode(e.Reactivate(), domain.CodeInvalidState))
	assert.True(t, domain.IsCode(e.MarkAsCompleted(""), domain.CodeInvalidState))
}

func TestCheckExpirationAlsoExpiresSuspended(t *testing.T) {
	clock := newClock()
	expires := clock.t.Add(time.Hour)
	e, err := New(NewParams{
		ID: "enr-1", TenantID: "t", StudentID: "s", CourseID: "c",
		ExpiresAt: &expires,
		Lessons:   []LessonRef{{LessonID: "L1"}},
	}, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, e.Suspend("refund"))

	clock.advance(2 * time.Hour)
	assert.True(t, e.CheckExpiration())
	assert.Equal(t, StatusExpired, e.Status())
	assert.True(t, domain.IsCode(e.Reactivate(), domain.CodeInvalidState))
}

func TestCheckExpirationIgnoresCompletedEnrollments(t *testing.T) {
	clock := newClock()
	expires := clock.t.Add(time.Hour)
	e, err := New(NewParams{
		ID: "enr-1", TenantID: "t", StudentID: "s", CourseID: "c",
		ExpiresAt: &expires,
		Lessons:   []LessonRef{{LessonID: "L1"}},
	}, WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, e.CompleteLesson("L1", nil))

	clock.advance(2 * time.Hour)
	assert.False(t, e.CheckExpiration())
	assert.Equal(t, StatusCompleted, e.Status())
}

func TestModuleCompletedOnlyOnTransition(t *testing.T) {
	e := newEnrollment(t, newClock())

	e.UpdateModuleProgress(ModuleProgress{ModuleID: "M1", TotalLessons: 2, CompletedLessons: 1})
	e.UpdateModuleProgress(ModuleProgress{ModuleID: "M1", TotalLessons: 2, CompletedLessons: 2})
	e.UpdateModuleProgress(ModuleProgress{ModuleID: "M1", TotalLessons: 2, CompletedLessons: 2, TotalTimeSpent: 10})
	e.UpdateModuleProgress(ModuleProgress{ModuleID: "M2", TotalLessons: 0, CompletedLessons: 0})

	assert.Equal(t, 1, countEvents(e.PendingEvents(), EventModuleCompleted))
	m, ok := e.Module("M1")
	require.True(t, ok)
	assert.Equal(t, 10, m.TotalTimeSpent)
	assert.Equal(t, 100, m.Percentage())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clock := newClock()
	e := newEnrollment(t, clock, LessonRef{LessonID: "L1", ModuleID: "M1"}, LessonRef{LessonID: "L2", ModuleID: "M1"})
	require.NoError(t, e.UpdateLessonProgress("L1", ProgressData{VideoPosition: score(3)}, 20))
	require.NoError(t, e.CompleteLesson("L1", score(90)))
	e.UpdateModuleProgress(ModuleProgress{ModuleID: "M1", TotalLessons: 2, CompletedLessons: 1, TotalTimeSpent: 20})
	e.MarkPersisted(4)

	restored := Restore(e.Snapshot(), WithClock(clock.now))
	assert.Equal(t, e.Snapshot(), restored.Snapshot())
	assert.Empty(t, restored.PendingEvents())
	assert.Equal(t, 4, restored.Version())

	// 重放同一命令不会产生新事件
	require.NoError(t, restored.CompleteLesson("L1", score(90)))
	assert.Empty(t, restored.PendingEvents())
}
