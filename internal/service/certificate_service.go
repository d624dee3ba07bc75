package service

import (
	"context"
	"coursehub_backend/internal/domain"
	"coursehub_backend/internal/model"
	"coursehub_backend/internal/util"
	"coursehub_backend/pkg/logger"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CertificateStore 由 repository.CertificateRepository 实现
type CertificateStore interface {
	FindByEnrollmentID(ctx context.Context, enrollmentID string) (*model.Certificate, error)
	Create(ctx context.Context, cert *model.Certificate) error
}

// CertificateService 证书签发：生成证书清单并上传到存储，每个选课只签发一次
type CertificateService struct {
	certs   CertificateStore
	storage *StorageService
	now     func() time.Time
}

func NewCertificateService(certs CertificateStore, storage *StorageService) *CertificateService {
	return &CertificateService{certs: certs, storage: storage, now: time.Now}
}

type certificateManifest struct {
	CertificateID string    `json:"certificateId"`
	Code          string    `json:"code"`
	TenantID      string    `json:"tenantId"`
	EnrollmentID  string    `json:"enrollmentId"`
	StudentID     string    `json:"studentId"`
	CourseID      string    `json:"courseId"`
	CompletedAt   time.Time `json:"completedAt"`
	IssuedAt      time.Time `json:"issuedAt"`
}

func (s *CertificateService) Issue(ctx context.Context, req CertificateRequest) (string, error) {
	const op = "CertificateService.Issue"

	existing, err := s.certs.FindByEnrollmentID(ctx, req.EnrollmentID)
	if err == nil {
		return existing.ID, nil
	}
	if !domain.IsCode(err, domain.CodeNotFound) {
		return "", domain.NewError(domain.CodeExternalServiceFailure, op, "certificate lookup failed", err)
	}

	id := uuid.NewString()
	issuedAt := s.now().UTC()
	cert := &model.Certificate{
		UUIDBase:     model.UUIDBase{ID: id},
		TenantID:     req.TenantID,
		EnrollmentID: req.EnrollmentID,
		StudentID:    req.StudentID,
		CourseID:     req.CourseID,
		Code:         certificateCode(id),
		IssuedAt:     issuedAt,
	}

	manifest, err := json.Marshal(certificateManifest{
		CertificateID: id,
		Code:          cert.Code,
		TenantID:      req.TenantID,
		EnrollmentID:  req.EnrollmentID,
		StudentID:     req.StudentID,
		CourseID:      req.CourseID,
		CompletedAt:   req.CompletedAt,
		IssuedAt:      issuedAt,
	})
	if err != nil {
		return "", domain.NewError(domain.CodeInternal, op, "encode manifest", err)
	}

	key := fmt.Sprintf("certificates/%s/%s.json", req.TenantID, id)
	url, err := s.storage.UploadBytes(ctx, key, manifest, util.MimeJSON)
	if err != nil {
		return "", domain.NewError(domain.CodeExternalServiceFailure, op, "upload certificate manifest", err)
	}
	cert.ArtifactURL = url

	if err := s.certs.Create(ctx, cert); err != nil {
		if delErr := s.storage.Delete(ctx, key); delErr != nil {
			logger.Log.Warn("Failed to remove orphan certificate manifest", zap.String("key", key), zap.Error(delErr))
		}
		// 并发签发：唯一索引冲突时以已存在的证书为准
		if domain.IsCode(err, domain.CodeAlreadyExists) {
			existing, findErr := s.certs.FindByEnrollmentID(ctx, req.EnrollmentID)
			if findErr == nil {
				return existing.ID, nil
			}
		}
		return "", domain.NewError(domain.CodeExternalServiceFailure, op, "persist certificate", err)
	}

	logger.Log.Info("Certificate issued",
		zap.String("certificate_id", id),
		zap.String("enrollment_id", req.EnrollmentID))
	return id, nil
}

func certificateCode(id string) string {
	return "CH-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:12])
}
