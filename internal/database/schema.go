package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Doctor struct {
	Id             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"not null"`
	Specialization string
	Hospital       string
	Phone          string
	Email          string `gorm:"uniqueIndex;not null"`
	PasswordHash   string `gorm:"not null"`
	CreationTime   time.Time

	MonitoredPatients []MonitoredPatient `gorm:"foreignKey:DoctorId;constraint:OnDelete:CASCADE"`
}

// MonitoredPatient is a patient under a doctor's supervision together with the
// medications that doctor has given them.
type MonitoredPatient struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DoctorId  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_monitored_doctor_patient"`
	PatientId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_monitored_doctor_patient"`
	Patient   *Patient  `gorm:"foreignKey:PatientId;constraint:OnDelete:CASCADE"`
	Name      string

	Medications []MonitoredMedication `gorm:"foreignKey:MonitoredPatientId;constraint:OnDelete:CASCADE"`
}

type MonitoredMedication struct {
	Id                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	MonitoredPatientId uuid.UUID `gorm:"type:uuid;not null;index"`
	MedicationName     string    `gorm:"not null"`
	Dosage             string
	StartDate          time.Time
	EndDate            sql.NullTime
}

type Patient struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	Age          int
	Gender       string
	Phone        string
	Email        string `gorm:"uniqueIndex;not null"`
	Address      string
	PasswordHash string `gorm:"not null"`
	CreationTime time.Time

	MedicalRecords []MedicalRecord `gorm:"foreignKey:PatientId;constraint:OnDelete:CASCADE"`
	Doctors        []PatientDoctor `gorm:"foreignKey:PatientId;constraint:OnDelete:CASCADE"`
	Reports        []Report        `gorm:"foreignKey:PatientId;constraint:OnDelete:CASCADE"`
	Analyses       []MRIAnalysis   `gorm:"foreignKey:PatientId;constraint:OnDelete:CASCADE"`
}

// PatientDoctor links a patient to each doctor that monitors them.
type PatientDoctor struct {
	PatientId uuid.UUID `gorm:"type:uuid;primaryKey"`
	DoctorId  uuid.UUID `gorm:"type:uuid;primaryKey"`
}

type MedicalRecord struct {
	Id            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PatientId     uuid.UUID `gorm:"type:uuid;not null;index"`
	Condition     string    `gorm:"not null"`
	DiagnosisDate time.Time
	Treatment     string

	Medications []Medication `gorm:"foreignKey:MedicalRecordId;constraint:OnDelete:CASCADE"`
}

type Medication struct {
	Id              uuid.UUID `gorm:"type:uuid;primaryKey"`
	MedicalRecordId uuid.UUID `gorm:"type:uuid;not null;index"`
	MedicationName  string    `gorm:"not null"`
	Dosage          string
	StartDate       time.Time
	EndDate         sql.NullTime
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type MRIAnalysis struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	PatientId uuid.UUID `gorm:"type:uuid;not null;index"`
	Patient   *Patient  `gorm:"foreignKey:PatientId"`

	Status string `gorm:"size:20;not null"`
	// Uploaded volume keys by channel name, {"flair": "patients/..."}.
	UploadKeys      datatypes.JSON `gorm:"type:jsonb"`
	Details         datatypes.JSON `gorm:"type:jsonb"`
	Findings        datatypes.JSON `gorm:"type:jsonb"`
	SegmentationKey sql.NullString
	Error           sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type Report struct {
	Id         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PatientId  uuid.UUID     `gorm:"type:uuid;not null;index"`
	DoctorId   uuid.UUID     `gorm:"type:uuid;not null"`
	Doctor     *Doctor       `gorm:"foreignKey:DoctorId"`
	AnalysisId uuid.NullUUID `gorm:"type:uuid"`
	Analysis   *MRIAnalysis  `gorm:"foreignKey:AnalysisId"`

	Exam     string
	Status   string `gorm:"size:20;not null"`
	Title    string
	Markdown string
	// Object keys of the stored markdown and pdf renditions.
	MarkdownKey sql.NullString
	PdfKey      sql.NullString
	Error       sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

// ChatHistory is one message of a chat session. A session belongs to the user
// who sent its first message.
type ChatHistory struct {
	ID          uint      `gorm:"primaryKey"`
	SessionID   string    `gorm:"index"`
	UserId      uuid.UUID `gorm:"type:uuid;index"`
	MessageType string    // 'user' or 'ai'
	Content     string
	Timestamp   time.Time
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
}
