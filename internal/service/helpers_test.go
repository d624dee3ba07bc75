package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"coursehub_backend/internal/domain/enrollment"
	"coursehub_backend/internal/model"
	"coursehub_backend/internal/repository"
	"coursehub_backend/internal/repository/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const tenant = "tenant-1"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeIssuer) Issue(ctx context.Context, req CertificateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "cert-" + req.EnrollmentID, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []EventMessage
	err  error
}

func (b *recordingBus) Publish(ctx context.Context, msg EventMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.Name)
	}
	return out
}

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	clock      *testClock
	store      *repository.EnrollmentRepository
	courses    *repository.CourseRepository
	events     *repository.EventRepository
	issuer     *fakeIssuer
	local      *LocalEventBus
	recorder   *recordingBus
	dispatcher *EventDispatcher
	svc        *ProgressService
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	db := testutil.DB(t)
	clock := &testClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}

	store := repository.NewEnrollmentRepository(db)
	store.Clock = clock.Now
	courses := repository.NewCourseRepository(db)
	events := repository.NewEventRepository(db)

	f := &fixture{
		t:        t,
		db:       db,
		clock:    clock,
		store:    store,
		courses:  courses,
		events:   events,
		issuer:   &fakeIssuer{},
		local:    NewLocalEventBus(),
		recorder: &recordingBus{},
	}
	f.dispatcher = NewEventDispatcher(events, FanoutBus{f.local, f.recorder}, 100, 3)
	f.dispatcher.now = clock.Now
	f.svc = NewProgressService(store, courses, f.issuer, NewLocalLocker(), ProgressConfig{
		SaveRetries:         3,
		LockTTL:             2 * time.Second,
		RecentProgressLimit: 5,
		ExpirySweepBatch:    50,
		CertificateMode:     mode,
	}, WithProgressClock(clock.Now), WithDispatcher(f.dispatcher))
	return f
}

// seedCourse 默认：模块 M1 含 L1、L2，讲师 ins-1
func (f *fixture) seedCourse(id string, modules map[string][]string, opts ...func(*testutil.CourseSpec)) *model.Course {
	f.t.Helper()
	if modules == nil {
		modules = map[string][]string{"M1": {"L1", "L2"}}
	}
	spec := testutil.CourseSpec{ID: id, TenantID: tenant, InstructorID: "ins-1", Modules: modules}
	for _, o := range opts {
		o(&spec)
	}
	return testutil.SeedCourse(f.t, f.db, spec)
}

func (f *fixture) enroll(student, courseID string) string {
	f.t.Helper()
	sum, err := f.svc.EnrollInCourse(context.Background(), learner(student), EnrollInCourseDto{CourseID: courseID})
	require.NoError(f.t, err)
	return sum.EnrollmentID
}

func (f *fixture) outbox(enrollmentID string) []model.EnrollmentEvent {
	f.t.Helper()
	evs, err := f.events.ListByEnrollment(context.Background(), enrollmentID)
	require.NoError(f.t, err)
	return evs
}

func countOutbox(evs []model.EnrollmentEvent, name string) int {
	n := 0
	for _, ev := range evs {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func courseCompletedPayload(t *testing.T, evs []model.EnrollmentEvent) enrollment.CourseCompletedEvent {
	t.Helper()
	for _, ev := range evs {
		if ev.Name == enrollment.EventCourseCompleted {
			var out enrollment.CourseCompletedEvent
			require.NoError(t, json.Unmarshal(ev.Payload, &out))
			return out
		}
	}
	t.Fatalf("no %s event in outbox", enrollment.EventCourseCompleted)
	return enrollment.CourseCompletedEvent{}
}

func learner(id string) Actor {
	return Actor{UserID: id, TenantID: tenant, Role: model.Learner}
}

func instructor(id string) Actor {
	return Actor{UserID: id, TenantID: tenant, Role: model.Instructor}
}

func admin() Actor {
	return Actor{UserID: "admin-1", TenantID: tenant, Role: model.Admin}
}

func completed() *bool {
	v := true
	return &v
}

func scoreOf(v float64) *float64 { return &v }

func seconds(v int) *int { return &v }

var errIssuerDown = errors.New("pdf renderer unavailable")
