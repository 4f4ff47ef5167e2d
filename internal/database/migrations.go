package database

import (
	"log"
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func schemaModels() []any {
	return []any{
		&Doctor{}, &Patient{}, &PatientDoctor{}, &MonitoredPatient{}, &MonitoredMedication{},
		&MedicalRecord{}, &Medication{}, &MRIAnalysis{}, &Report{}, &ChatHistory{},
	}
}

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "0",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(schemaModels()...)
			},
			Rollback: func(txn *gorm.DB) error {
				models := schemaModels()
				for i := len(models) - 1; i >= 0; i-- {
					if err := txn.Migrator().DropTable(models[i]); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			ID: "1",
			Migrate: func(txn *gorm.DB) error {
				if txn.Migrator().HasColumn(&ChatHistory{}, "UserId") {
					return nil
				}
				if err := txn.Migrator().AddColumn(&ChatHistory{}, "UserId"); err != nil {
					return err
				}
				return txn.Migrator().CreateIndex(&ChatHistory{}, "UserId")
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropColumn(&ChatHistory{}, "UserId")
			},
		},
	})

	migrator.InitSchema(func(txn *gorm.DB) error {
		// Runs when no previous migration is recorded and creates the latest
		// schema directly.
		log.Println("clean database detected, running full schema initialization")

		dbType := db.Dialector.Name()
		if dbType == "sqlite" || dbType == "sqlite3" {
			// Sqlite does not enable foreign key constraints by default.
			if err := txn.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
				slog.Error("error enabling foreign keys for SQLite", "error", err)
			}
		}

		return txn.AutoMigrate(schemaModels()...)
	})

	return migrator
}
