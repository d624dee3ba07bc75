package model

import "time"

// Certificate 每个选课最多一张证书
type Certificate struct {
	UUIDBase
	TenantID     string    `gorm:"type:varchar(36);index;not null" json:"tenantId"`
	EnrollmentID string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"enrollmentId"`
	StudentID    string    `gorm:"type:varchar(36);index;not null" json:"studentId"`
	CourseID     string    `gorm:"type:varchar(36);index;not null" json:"courseId"`
	Code         string    `gorm:"size:32;uniqueIndex;not null" json:"code"`
	ArtifactURL  string    `gorm:"size:512" json:"artifactUrl"`
	IssuedAt     time.Time `gorm:"not null" json:"issuedAt"`
}

func (Certificate) TableName() string {
	return "certificates"
}
