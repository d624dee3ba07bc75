package repository

import (
	"context"

	"coursehub_backend/internal/model"

	"gorm.io/gorm"
)

type CertificateRepository struct {
	DB *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: db}
}

func (r *CertificateRepository) FindByEnrollmentID(ctx context.Context, enrollmentID string) (*model.Certificate, error) {
	var cert model.Certificate
	if err := r.DB.WithContext(ctx).Where("enrollment_id = ?", enrollmentID).First(&cert).Error; err != nil {
		return nil, MapError("Certificate.FindByEnrollmentID", err)
	}
	return &cert, nil
}

// Create 唯一索引保证每个选课只有一张证书，重复时返回 already_exists
func (r *CertificateRepository) Create(ctx context.Context, cert *model.Certificate) error {
	return MapError("Certificate.Create", r.DB.WithContext(ctx).Create(cert).Error)
}
