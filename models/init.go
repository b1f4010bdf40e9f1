package models

import "gorm.io/gorm"

// Migrate creates or updates the tables the engine writes to.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EmailValidation{},
		&BulkJob{},
		&BulkJobItem{},
	)
}
