package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const keyTimeLayout = "20060102T150405.000000000Z"

// PatientPrefix is the key prefix under which every object of a patient is stored.
func PatientPrefix(patientId uuid.UUID) string {
	return fmt.Sprintf("patients/%s/", patientId)
}

// PatientObjectKey builds a key that is unique per patient, timestamp and
// request id, e.g. patients/<patient>/20240305T103000.000000000Z-segmentation-<id>.nii.gz.
func PatientObjectKey(patientId uuid.UUID, kind string, id uuid.UUID, ext string, t time.Time) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s%s-%s-%s.%s", PatientPrefix(patientId), t.UTC().Format(keyTimeLayout), kind, id, ext)
}

// ValidKey rejects keys that are empty, absolute or escape their bucket.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
