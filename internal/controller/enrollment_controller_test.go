package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coursehub_backend/internal/config"
	"coursehub_backend/internal/middleware"
	"coursehub_backend/internal/model"
	"coursehub_backend/internal/repository"
	"coursehub_backend/internal/repository/testutil"
	"coursehub_backend/internal/service"
	"coursehub_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "controller-test-secret"

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Reason  string          `json:"reason"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	testutil.SeedCourse(t, db, testutil.CourseSpec{
		ID:           "course-1",
		TenantID:     "tenant-1",
		InstructorID: "ins-1",
		Modules:      map[string][]string{"M1": {"L1", "L2"}},
	})

	svc := service.NewProgressService(
		repository.NewEnrollmentRepository(db),
		repository.NewCourseRepository(db),
		service.NewCertificateService(repository.NewCertificateRepository(db), &service.StorageService{Provider: service.NewMemoryStorageProvider()}),
		service.NewLocalLocker(),
		service.ProgressConfig{CertificateMode: config.CertificateModeSync},
	)
	c := NewEnrollmentController(svc)
	cfg := &config.Config{JWT: config.JWTConfig{Secret: secret}}

	r := gin.New()
	api := r.Group("/api", middleware.AuthMiddleware(cfg))
	api.POST("/enrollments", c.Enroll)
	api.GET("/enrollments/me", c.ListMine)
	api.GET("/enrollments/:id/progress", c.GetProgress)
	api.POST("/enrollments/:id/lessons/:lessonId/start", c.StartLesson)
	api.PATCH("/enrollments/:id/lessons/:lessonId", c.UpdateLessonProgress)
	api.POST("/enrollments/:id/suspend", c.Suspend)
	api.POST("/enrollments/:id/reactivate", c.Reactivate)
	api.GET("/courses/:courseId/enrollments", middleware.RoleMiddleware(model.Instructor), c.ListCourseEnrollments)
	return r
}

func token(t *testing.T, userID string, role model.UserRole) string {
	t.Helper()
	tok, err := util.GenerateJWT(userID, "tenant-1", role, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, r *gin.Engine, method, path, tok string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestEnrollmentFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	student := token(t, "stu-1", model.Learner)

	code, env := do(t, r, http.MethodPost, "/api/enrollments", student, gin.H{"courseId": "course-1"})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var created service.EnrollmentSummary
	require.NoError(t, json.Unmarshal(env.Data, &created))
	id := created.EnrollmentID

	code, env = do(t, r, http.MethodPost, "/api/enrollments", student, gin.H{"courseId": "course-1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_exists", env.Reason)

	code, _ = do(t, r, http.MethodPost, "/api/enrollments/"+id+"/lessons/L1/start", student, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodPatch, "/api/enrollments/"+id+"/lessons/L1", student, gin.H{"completed": true, "timeSpent": 30})
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, r, http.MethodPatch, "/api/enrollments/"+id+"/lessons/L2", student, gin.H{"completed": true, "score": 65})
	require.Equal(t, http.StatusOK, code, env.Message)
	var progress service.ProgressSummary
	require.NoError(t, json.Unmarshal(env.Data, &progress))
	assert.Equal(t, 100, progress.CompletionPercentage)
	assert.Equal(t, "completed", string(progress.Status))
	assert.NotEmpty(t, progress.CertificateID)

	code, env = do(t, r, http.MethodGet, "/api/enrollments/me", student, nil)
	require.Equal(t, http.StatusOK, code)
	var mine []service.EnrollmentSummary
	require.NoError(t, json.Unmarshal(env.Data, &mine))
	assert.Len(t, mine, 1)
}

func TestEnrollmentErrorsMapToStatus(t *testing.T) {
	r := newTestRouter(t)
	student := token(t, "stu-1", model.Learner)
	other := token(t, "stu-2", model.Learner)

	code, _ := do(t, r, http.MethodGet, "/api/enrollments/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, r, http.MethodPost, "/api/enrollments", student, gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := do(t, r, http.MethodPost, "/api/enrollments", student, gin.H{"courseId": "nope"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Reason)

	_, env = do(t, r, http.MethodPost, "/api/enrollments", student, gin.H{"courseId": "course-1"})
	var created service.EnrollmentSummary
	require.NoError(t, json.Unmarshal(env.Data, &created))
	id := created.EnrollmentID

	code, env = do(t, r, http.MethodGet, "/api/enrollments/"+id+"/progress", other, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "access_denied", env.Reason)

	code, _ = do(t, r, http.MethodGet, "/api/courses/course-1/enrollments", student, nil)
	assert.Equal(t, http.StatusForbidden, code)

	instructor := token(t, "ins-1", model.Instructor)
	code, env = do(t, r, http.MethodGet, "/api/courses/course-1/enrollments?page=1&limit=10", instructor, nil)
	assert.Equal(t, http.StatusOK, code)
	var page struct {
		Total int64 `json:"total"`
		Limit int   `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.Limit)

	code, _ = do(t, r, http.MethodPost, "/api/enrollments/"+id+"/suspend", instructor, gin.H{"reason": "chargeback"})
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, r, http.MethodPatch, "/api/enrollments/"+id+"/lessons/L1", student, gin.H{"timeSpent": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "invalid_state", env.Reason)

	code, _ = do(t, r, http.MethodPost, "/api/enrollments/"+id+"/reactivate", instructor, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodPatch, "/api/enrollments/"+id+"/lessons/L404", student, gin.H{"timeSpent": 5})
	assert.Equal(t, http.StatusNotFound, code)
}
