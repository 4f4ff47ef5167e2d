package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`

	// Doctor only.
	Specialization string `json:"specialization,omitempty"`
	Hospital       string `json:"hospital,omitempty"`

	// Patient only.
	Age     int    `json:"age,omitempty"`
	Gender  string `json:"gender,omitempty"`
	Address string `json:"address,omitempty"`
}

type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Role        string    `json:"role"`
	UserId      uuid.UUID `json:"user_id"`
	ExpiresIn   int       `json:"expires_in"`
}

type CreateDoctorRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Phone          string `json:"phone"`
	Specialization string `json:"specialization"`
	Hospital       string `json:"hospital"`
}

type Medication struct {
	MedicationName string     `json:"medication_name"`
	Dosage         string     `json:"dosage"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
}

type MonitoredPatient struct {
	PatientId   uuid.UUID    `json:"patient_id"`
	Name        string       `json:"name"`
	Medications []Medication `json:"medications"`
}

type Doctor struct {
	Id                uuid.UUID          `json:"id"`
	Name              string             `json:"name"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone"`
	Specialization    string             `json:"specialization"`
	Hospital          string             `json:"hospital"`
	MonitoredPatients []MonitoredPatient `json:"monitored_patients"`
}

type CreatePatientRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Age      int    `json:"age"`
	Gender   string `json:"gender"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
}

type MedicalRecord struct {
	Condition     string       `json:"condition"`
	DiagnosisDate time.Time    `json:"diagnosis_date"`
	Treatment     string       `json:"treatment"`
	Medications   []Medication `json:"medications"`
}

type UpdateMedicalRecordsRequest struct {
	MedicalRecords []MedicalRecord `json:"medical_records"`
}

type ReportSummary struct {
	Id           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	CreationTime time.Time `json:"creation_time"`
}

type Patient struct {
	Id             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Age            int             `json:"age"`
	Gender         string          `json:"gender"`
	Phone          string          `json:"phone"`
	Email          string          `json:"email"`
	Address        string          `json:"address"`
	MedicalRecords []MedicalRecord `json:"medical_records"`
	DoctorIds      []uuid.UUID     `json:"doctor_ids"`
	Reports        []ReportSummary `json:"reports"`
}

type ListPatientsParams struct {
	Limit  int `schema:"limit"`
	Offset int `schema:"offset"`
}

type File struct {
	Key  string `json:"key"`
	Url  string `json:"url"`
	Size int64  `json:"size"`
}

type CreateAnalysisResponse struct {
	AnalysisId uuid.UUID `json:"analysis_id"`
	Status     string    `json:"status"`
}

type Analysis struct {
	Id              uuid.UUID       `json:"id"`
	PatientId       uuid.UUID       `json:"patient_id"`
	Status          string          `json:"status"`
	Error           string          `json:"error,omitempty"`
	MRIDetails      json.RawMessage `json:"mri_details,omitempty"`
	Findings        json.RawMessage `json:"findings,omitempty"`
	SegmentationUrl string          `json:"segmentation_url,omitempty"`
	CreationTime    time.Time       `json:"creation_time"`
	CompletionTime  *time.Time      `json:"completion_time,omitempty"`
}

// CreateReportRequest.DoctorId defaults to the caller and must match it when set.
type CreateReportRequest struct {
	PatientId  uuid.UUID  `json:"patient_id"`
	DoctorId   uuid.UUID  `json:"doctor_id"`
	AnalysisId *uuid.UUID `json:"analysis_id,omitempty"`
	Exam       string     `json:"exam,omitempty"`
	Async      bool       `json:"async,omitempty"`
}

type Report struct {
	Id             uuid.UUID  `json:"id"`
	PatientId      uuid.UUID  `json:"patient_id"`
	DoctorId       uuid.UUID  `json:"doctor_id"`
	AnalysisId     *uuid.UUID `json:"analysis_id,omitempty"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Title          string     `json:"title,omitempty"`
	Markdown       string     `json:"markdown,omitempty"`
	MarkdownUrl    string     `json:"markdown_url,omitempty"`
	PdfUrl         string     `json:"pdf_url,omitempty"`
	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type ChatRequest struct {
	SessionId string `json:"session_id"`
	Query     string `json:"query"`
}

type ChatResponse struct {
	SessionId string `json:"session_id"`
	Response  string `json:"response"`
	Medical   bool   `json:"medical"`
}

type ChatHistoryItem struct {
	MessageType string          `json:"message_type"` // "user" or "ai"
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Detection.Box holds corners x1, y1, x2, y2 in source image pixels.
type Detection struct {
	Box        [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	Class      int        `json:"class"`
	Label      string     `json:"label"`
}

// ImageAnalysis.ImageSize is height then width, and AnnotatedImage is a base64
// encoded PNG with the boxes drawn in.
type ImageAnalysis struct {
	Detections     []Detection `json:"detections"`
	ImageSize      [2]int      `json:"image_size"`
	AnnotatedImage string      `json:"annotated_image"`
}

type ImageAnalysisResponse struct {
	Analysis ImageAnalysis `json:"analysis"`
	Report   string        `json:"report"`
}
