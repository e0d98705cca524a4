package onboarding

import (
	"net/http"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/model"
)

const (
	// MaxDocumentSize caps a single uploaded KYC document
	MaxDocumentSize = 10 << 20
	minDriverAge    = 18
	maxNameLength   = 200
)

var allowedDocumentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"application/pdf": true,
}

// CreateDriverInput is what an admin supplies to create a driver account
type CreateDriverInput struct {
	Name   string
	Phone  string
	Email  string
	Status model.DriverStatus
}

// Normalize trims fields, lowercases the email and defaults the status
func (in CreateDriverInput) Normalize() CreateDriverInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Status == "" {
		in.Status = model.DriverActive
	}
	return in
}

// Validate checks every field and reports all failures at once
func (in CreateDriverInput) Validate() error {
	verr := &apperr.ValidationError{}
	switch {
	case in.Name == "":
		verr.Add("name", "is required")
	case len(in.Name) > maxNameLength:
		verr.Add("name", "is too long")
	}
	switch {
	case in.Phone == "":
		verr.Add("phone", "is required")
	case !govalidator.IsE164(in.Phone):
		verr.Add("phone", "must be in E.164 format, e.g. +2348000000001")
	}
	switch {
	case in.Email == "":
		verr.Add("email", "is required")
	case !govalidator.IsEmail(in.Email):
		verr.Add("email", "is not a valid email address")
	}
	if in.Status != model.DriverActive && in.Status != model.DriverInactive {
		verr.Add("status", "must be active or inactive")
	}
	return verr.OrNil()
}

// KycInput carries the identity details collected during KYC. Dates are calendar dates.
type KycInput struct {
	DateOfBirth      time.Time
	LicenseNumber    string
	LicenseIssuedAt  time.Time
	LicenseExpiresAt time.Time
	Address          model.Address
}

// Validate checks the KYC fields and documents against today's date and reports all failures at once
func (in KycInput) Validate(today time.Time, docs []docstore.File) error {
	verr := &apperr.ValidationError{}
	today = dateOf(today)

	switch {
	case in.DateOfBirth.IsZero():
		verr.Add("date_of_birth", "is required")
	case dateOf(in.DateOfBirth).After(today):
		verr.Add("date_of_birth", "cannot be in the future")
	case ageOn(in.DateOfBirth, today) < minDriverAge:
		verr.Add("date_of_birth", "driver must be at least 18 years old")
	}

	if strings.TrimSpace(in.LicenseNumber) == "" {
		verr.Add("license_number", "is required")
	}

	switch {
	case in.LicenseExpiresAt.IsZero():
		verr.Add("license_expires_at", "is required")
	case !dateOf(in.LicenseExpiresAt).After(today):
		verr.Add("license_expires_at", "license has expired")
	}

	switch {
	case in.LicenseIssuedAt.IsZero():
		verr.Add("license_issued_at", "is required")
	case dateOf(in.LicenseIssuedAt).After(today):
		verr.Add("license_issued_at", "cannot be in the future")
	case !in.LicenseExpiresAt.IsZero() && !dateOf(in.LicenseIssuedAt).Before(dateOf(in.LicenseExpiresAt)):
		verr.Add("license_issued_at", "must be before the expiry date")
	}

	if strings.TrimSpace(in.Address.Street) == "" {
		verr.Add("address.street", "is required")
	}
	if strings.TrimSpace(in.Address.City) == "" {
		verr.Add("address.city", "is required")
	}
	if strings.TrimSpace(in.Address.State) == "" {
		verr.Add("address.state", "is required")
	}

	validateDocuments(verr, docs)
	return verr.OrNil()
}

func validateDocuments(verr *apperr.ValidationError, docs []docstore.File) {
	seen := make(map[model.DocumentKind]bool, len(docs))
	for _, doc := range docs {
		field := "documents." + string(doc.Kind)
		if !doc.Kind.Valid() {
			verr.Add(field, "unknown document kind")
			continue
		}
		if seen[doc.Kind] {
			verr.Add(field, "uploaded more than once")
			continue
		}
		seen[doc.Kind] = true

		switch {
		case len(doc.Data) == 0:
			verr.Add(field, "file is empty")
		case len(doc.Data) > MaxDocumentSize:
			verr.Add(field, "file exceeds 10 MiB")
		case !allowedDocumentTypes[DetectContentType(doc.Data)]:
			verr.Add(field, "must be a PNG, JPEG or PDF file")
		}
	}
	if !seen[model.DocumentLicense] {
		verr.Add("documents."+string(model.DocumentLicense), "is required")
	}
}

// DetectContentType sniffs the media type of a document, ignoring parameters
func DetectContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ageOn returns completed years between dob and day by calendar date
func ageOn(dob, day time.Time) int {
	age := day.Year() - dob.Year()
	if day.Month() < dob.Month() || (day.Month() == dob.Month() && day.Day() < dob.Day()) {
		age--
	}
	return age
}

func trim(s string) string { return strings.TrimSpace(s) }

func normalizeLicense(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
