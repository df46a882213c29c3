package models

import (
	"time"

	"github.com/metering/backend/internal/domain/apikey"
)

// APIKeyModel is the persistence model for apikey.APIKey
type APIKeyModel struct {
	BaseModel
	ProjectID  string `gorm:"type:varchar(64);not null;index"`
	Name       string `gorm:"type:varchar(100)"`
	Hash       string `gorm:"type:char(64);not null;uniqueIndex"`
	Revoked    bool   `gorm:"not null;default:false"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// TableName returns the table name for GORM
func (APIKeyModel) TableName() string {
	return "api_keys"
}

// ToDomain converts the model to a domain APIKey
func (m *APIKeyModel) ToDomain() *apikey.APIKey {
	return &apikey.APIKey{
		BaseEntity: m.Entity(),
		ProjectID:  m.ProjectID,
		Name:       m.Name,
		Hash:       m.Hash,
		Revoked:    m.Revoked,
		ExpiresAt:  m.ExpiresAt,
		LastUsedAt: m.LastUsedAt,
	}
}

// APIKeyModelFromDomain creates a model from a domain APIKey
func APIKeyModelFromDomain(k *apikey.APIKey) *APIKeyModel {
	m := &APIKeyModel{
		ProjectID:  k.ProjectID,
		Name:       k.Name,
		Hash:       k.Hash,
		Revoked:    k.Revoked,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
	m.SetEntity(k.BaseEntity)
	return m
}
