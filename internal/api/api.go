package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"medassist-backend/internal/auth"
	"medassist-backend/internal/config"
	"medassist-backend/internal/database"
	"medassist-backend/internal/messaging"
	"medassist-backend/internal/storage"
	"medassist-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type BackendService struct {
	db        *gorm.DB
	storage   storage.Provider
	bucket    string
	publisher messaging.Publisher
	reports   messaging.ReportGenerator
	issuer    *auth.TokenIssuer

	channels      []string
	channelMode   string
	maxVoxels     int
	maxUploadSize int64
}

func NewBackendService(
	db *gorm.DB,
	storage storage.Provider,
	bucket string,
	publisher messaging.Publisher,
	reports messaging.ReportGenerator,
	issuer *auth.TokenIssuer,
	pipeline *config.PipelineConfig,
	maxUploadSize int64,
) *BackendService {
	return &BackendService{
		db:            db,
		storage:       storage,
		bucket:        bucket,
		publisher:     publisher,
		reports:       reports,
		issuer:        issuer,
		channels:      pipeline.Preprocess.Channels,
		channelMode:   pipeline.Preprocess.ChannelMode,
		maxVoxels:     pipeline.Preprocess.MaxVoxels,
		maxUploadSize: maxUploadSize,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", RestHandler(s.Signup))
		r.Post("/signin", RestHandler(s.Signin))
	})
	r.Post("/doctors", RestHandler(s.CreateDoctor))
	r.Post("/patients", RestHandler(s.CreatePatient))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.issuer))
		doctorOnly := auth.RequireRole(auth.RoleDoctor)

		r.Route("/doctors/{doctor_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetDoctor))
			r.With(doctorOnly).Post("/monitor-patient/{patient_id}", RestHandler(s.MonitorPatient))
		})

		r.With(doctorOnly).Get("/patients", RestHandler(s.ListPatients))
		r.Route("/patients/{patient_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetPatient))
			r.Get("/files", RestHandler(s.ListPatientFiles))
			r.With(doctorOnly).Put("/medical-records", RestHandler(s.UpdateMedicalRecords))
		})

		r.Route("/mri/analyses", func(r chi.Router) {
			r.With(doctorOnly, LimitBody(s.maxUploadSize)).Post("/", RestHandler(s.SubmitAnalysis))
			r.Get("/{analysis_id}", RestHandler(s.GetAnalysis))
		})

		r.Route("/reports", func(r chi.Router) {
			r.With(doctorOnly).Post("/", RestHandler(s.CreateReport))
			r.Get("/{report_id}", RestHandler(s.GetReport))
			r.Get("/{report_id}/pdf", FileHandler(s.DownloadReport))
			r.Get("/{report_id}/preview", FileHandler(s.PreviewReport))
		})

		r.Get("/files/*", FileHandler(s.GetFile))
	})
}

func (s *BackendService) emailTaken(ctx context.Context, email string) (bool, error) {
	var doctors, patients int64
	if err := s.db.WithContext(ctx).Model(&database.Doctor{}).Where("email = ?", email).Count(&doctors).Error; err != nil {
		return false, err
	}
	if err := s.db.WithContext(ctx).Model(&database.Patient{}).Where("email = ?", email).Count(&patients).Error; err != nil {
		return false, err
	}
	return doctors+patients > 0, nil
}

func (s *BackendService) checkNewAccount(ctx context.Context, name, email, password string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(email) == "" || password == "" {
		return "", CodedErrorf(http.StatusBadRequest, "name, email and password are required")
	}

	taken, err := s.emailTaken(ctx, email)
	if err != nil {
		slog.Error("error checking email", "error", err)
		return "", CodedErrorf(http.StatusInternalServerError, "error checking email")
	}
	if taken {
		return "", CodedErrorf(http.StatusConflict, "email %s is already registered", email)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", CodedError(http.StatusInternalServerError, err)
	}
	return hash, nil
}

func (s *BackendService) createDoctor(ctx context.Context, req api.CreateDoctorRequest) (database.Doctor, error) {
	hash, err := s.checkNewAccount(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		return database.Doctor{}, err
	}

	doctor := database.Doctor{
		Id:             uuid.New(),
		Name:           req.Name,
		Specialization: req.Specialization,
		Hospital:       req.Hospital,
		Phone:          req.Phone,
		Email:          req.Email,
		PasswordHash:   hash,
		CreationTime:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&doctor).Error; err != nil {
		slog.Error("error creating doctor", "error", err)
		return database.Doctor{}, CodedErrorf(http.StatusInternalServerError, "failed to create doctor")
	}

	slog.Info("created doctor", "doctor_id", doctor.Id)
	return doctor, nil
}

func (s *BackendService) createPatient(ctx context.Context, req api.CreatePatientRequest) (database.Patient, error) {
	hash, err := s.checkNewAccount(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		return database.Patient{}, err
	}
	if req.Age < 0 {
		return database.Patient{}, CodedErrorf(http.StatusBadRequest, "age must not be negative")
	}

	patient := database.Patient{
		Id:           uuid.New(),
		Name:         req.Name,
		Age:          req.Age,
		Gender:       req.Gender,
		Phone:        req.Phone,
		Email:        req.Email,
		Address:      req.Address,
		PasswordHash: hash,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&patient).Error; err != nil {
		slog.Error("error creating patient", "error", err)
		return database.Patient{}, CodedErrorf(http.StatusInternalServerError, "failed to create patient")
	}

	slog.Info("created patient", "patient_id", patient.Id)
	return patient, nil
}

func (s *BackendService) token(userId uuid.UUID, role string) (api.TokenResponse, error) {
	token, err := s.issuer.Issue(userId, role)
	if err != nil {
		return api.TokenResponse{}, CodedError(http.StatusInternalServerError, err)
	}
	return api.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Role:        role,
		UserId:      userId,
		ExpiresIn:   int(s.issuer.TTL().Seconds()),
	}, nil
}

func (s *BackendService) Signup(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SignupRequest](r)
	if err != nil {
		return nil, err
	}

	switch req.Role {
	case auth.RoleDoctor:
		doctor, err := s.createDoctor(r.Context(), api.CreateDoctorRequest{
			Name:           req.Name,
			Email:          req.Email,
			Password:       req.Password,
			Phone:          req.Phone,
			Specialization: req.Specialization,
			Hospital:       req.Hospital,
		})
		if err != nil {
			return nil, err
		}
		return s.token(doctor.Id, auth.RoleDoctor)

	case auth.RolePatient:
		patient, err := s.createPatient(r.Context(), api.CreatePatientRequest{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
			Age:      req.Age,
			Gender:   req.Gender,
			Phone:    req.Phone,
			Address:  req.Address,
		})
		if err != nil {
			return nil, err
		}
		return s.token(patient.Id, auth.RolePatient)

	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid role %q: must be %q or %q", req.Role, auth.RoleDoctor, auth.RolePatient)
	}
}

func (s *BackendService) Signin(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SigninRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	invalid := CodedErrorf(http.StatusUnauthorized, "invalid email or password")

	var doctor database.Doctor
	result := s.db.WithContext(ctx).Where("email = ?", req.Email).Limit(1).Find(&doctor)
	if result.Error != nil {
		return nil, CodedError(http.StatusInternalServerError, result.Error)
	}
	if result.RowsAffected > 0 {
		if !auth.VerifyPassword(doctor.PasswordHash, req.Password) {
			return nil, invalid
		}
		return s.token(doctor.Id, auth.RoleDoctor)
	}

	var patient database.Patient
	result = s.db.WithContext(ctx).Where("email = ?", req.Email).Limit(1).Find(&patient)
	if result.Error != nil {
		return nil, CodedError(http.StatusInternalServerError, result.Error)
	}
	if result.RowsAffected > 0 && auth.VerifyPassword(patient.PasswordHash, req.Password) {
		return s.token(patient.Id, auth.RolePatient)
	}

	return nil, invalid
}

func (s *BackendService) CreateDoctor(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateDoctorRequest](r)
	if err != nil {
		return nil, err
	}

	doctor, err := s.createDoctor(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return convertDoctor(doctor), nil
}

func (s *BackendService) getDoctor(ctx context.Context, doctorId uuid.UUID) (database.Doctor, error) {
	var doctor database.Doctor
	if err := s.db.WithContext(ctx).Preload("MonitoredPatients.Medications").First(&doctor, "id = ?", doctorId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return doctor, CodedErrorf(http.StatusNotFound, "doctor %s not found", doctorId)
		}
		slog.Error("error getting doctor", "doctor_id", doctorId, "error", err)
		return doctor, CodedErrorf(http.StatusInternalServerError, "error retrieving doctor record")
	}
	return doctor, nil
}

func (s *BackendService) GetDoctor(r *http.Request) (any, error) {
	doctorId, err := URLParamUUID(r, "doctor_id")
	if err != nil {
		return nil, err
	}

	doctor, err := s.getDoctor(r.Context(), doctorId)
	if err != nil {
		return nil, err
	}
	return convertDoctor(doctor), nil
}

func (s *BackendService) MonitorPatient(r *http.Request) (any, error) {
	doctorId, err := URLParamUUID(r, "doctor_id")
	if err != nil {
		return nil, err
	}
	patientId, err := URLParamUUID(r, "patient_id")
	if err != nil {
		return nil, err
	}

	if id, _ := auth.IdentityFromContext(r.Context()); id.UserId != doctorId {
		return nil, CodedErrorf(http.StatusForbidden, "doctors may only update their own monitored patients")
	}

	req, err := ParseRequest[api.Medication](r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.MedicationName) == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "medication_name is required")
	}

	ctx := r.Context()

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var patient database.Patient
		if err := txn.First(&patient, "id = ?", patientId).Error; err != nil {
			return err
		}

		var monitored database.MonitoredPatient
		result := txn.Where("doctor_id = ? AND patient_id = ?", doctorId, patientId).Limit(1).Find(&monitored)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			monitored = database.MonitoredPatient{Id: uuid.New(), DoctorId: doctorId, PatientId: patientId, Name: patient.Name}
			if err := txn.Create(&monitored).Error; err != nil {
				return err
			}
		}

		medication := database.MonitoredMedication{
			Id:                 uuid.New(),
			MonitoredPatientId: monitored.Id,
			MedicationName:     req.MedicationName,
			Dosage:             req.Dosage,
			StartDate:          req.StartDate,
			EndDate:            toNullTime(req.EndDate),
		}
		if err := txn.Create(&medication).Error; err != nil {
			return err
		}

		link := database.PatientDoctor{PatientId: patientId, DoctorId: doctorId}
		return txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "patient %s not found", patientId)
		}
		slog.Error("error adding monitored patient", "doctor_id", doctorId, "patient_id", patientId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to add monitored patient")
	}

	doctor, err := s.getDoctor(ctx, doctorId)
	if err != nil {
		return nil, err
	}
	return convertDoctor(doctor), nil
}

func (s *BackendService) CreatePatient(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreatePatientRequest](r)
	if err != nil {
		return nil, err
	}

	patient, err := s.createPatient(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return convertPatient(patient), nil
}

func (s *BackendService) ListPatients(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListPatientsParams](r)
	if err != nil {
		return nil, err
	}

	if params.Limit <= 0 {
		params.Limit = defaultPageSize
	}
	params.Limit = min(params.Limit, maxPageSize)
	if params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "offset must not be negative")
	}

	var patients []database.Patient
	if err := s.db.WithContext(r.Context()).Order("creation_time, id").Limit(params.Limit).Offset(params.Offset).Find(&patients).Error; err != nil {
		slog.Error("error listing patients", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing patients")
	}

	results := make([]api.Patient, 0, len(patients))
	for _, p := range patients {
		results = append(results, convertPatient(p))
	}
	return results, nil
}

func (s *BackendService) GetPatient(r *http.Request) (any, error) {
	patientId, err := URLParamUUID(r, "patient_id")
	if err != nil {
		return nil, err
	}
	if err := authorizePatient(r, patientId); err != nil {
		return nil, err
	}

	var patient database.Patient
	err = s.db.WithContext(r.Context()).
		Preload("MedicalRecords.Medications").
		Preload("Doctors").
		Preload("Reports", func(db *gorm.DB) *gorm.DB { return db.Order("creation_time") }).
		First(&patient, "id = ?", patientId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "patient %s not found", patientId)
		}
		slog.Error("error getting patient", "patient_id", patientId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving patient record")
	}

	return convertPatient(patient), nil
}

func (s *BackendService) UpdateMedicalRecords(r *http.Request) (any, error) {
	patientId, err := URLParamUUID(r, "patient_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.UpdateMedicalRecordsRequest](r)
	if err != nil {
		return nil, err
	}

	records := make([]database.MedicalRecord, 0, len(req.MedicalRecords))
	for _, rec := range req.MedicalRecords {
		if strings.TrimSpace(rec.Condition) == "" {
			return nil, CodedErrorf(http.StatusBadRequest, "medical record condition is required")
		}
		record := database.MedicalRecord{
			Id:            uuid.New(),
			PatientId:     patientId,
			Condition:     rec.Condition,
			DiagnosisDate: rec.DiagnosisDate,
			Treatment:     rec.Treatment,
		}
		for _, med := range rec.Medications {
			if strings.TrimSpace(med.MedicationName) == "" {
				return nil, CodedErrorf(http.StatusBadRequest, "medication_name is required")
			}
			record.Medications = append(record.Medications, database.Medication{
				Id:              uuid.New(),
				MedicalRecordId: record.Id,
				MedicationName:  med.MedicationName,
				Dosage:          med.Dosage,
				StartDate:       med.StartDate,
				EndDate:         toNullTime(med.EndDate),
			})
		}
		records = append(records, record)
	}

	ctx := r.Context()

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var patient database.Patient
		if err := txn.First(&patient, "id = ?", patientId).Error; err != nil {
			return err
		}

		existing := txn.Model(&database.MedicalRecord{}).Select("id").Where("patient_id = ?", patientId)
		if err := txn.Where("medical_record_id IN (?)", existing).Delete(&database.Medication{}).Error; err != nil {
			return err
		}
		if err := txn.Where("patient_id = ?", patientId).Delete(&database.MedicalRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return txn.Create(&records).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "patient %s not found", patientId)
		}
		slog.Error("error updating medical records", "patient_id", patientId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to update medical records")
	}

	return s.GetPatient(r)
}

func (s *BackendService) ListPatientFiles(r *http.Request) (any, error) {
	patientId, err := URLParamUUID(r, "patient_id")
	if err != nil {
		return nil, err
	}
	if err := authorizePatient(r, patientId); err != nil {
		return nil, err
	}

	objects, err := s.storage.ListObjects(r.Context(), s.bucket, storage.PatientPrefix(patientId))
	if err != nil {
		slog.Error("error listing patient files", "patient_id", patientId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing patient files")
	}

	files := make([]api.File, 0, len(objects))
	for _, obj := range objects {
		files = append(files, api.File{Key: obj.Name, Url: fileUrl(obj.Name), Size: obj.Size})
	}
	return files, nil
}
