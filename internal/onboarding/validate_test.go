package onboarding

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/model"
)

var (
	pdfBytes = []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")
	pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validKyc() KycInput {
	return KycInput{
		DateOfBirth:      date(1990, time.May, 4),
		LicenseNumber:    "lag-12345-aa",
		LicenseIssuedAt:  date(2020, time.January, 15),
		LicenseExpiresAt: date(2030, time.January, 15),
		Address:          model.Address{Street: "12 Marina Rd", City: "Lagos", State: "Lagos", PostalCode: "101001"},
	}
}

func licenseOnly() []docstore.File {
	return []docstore.File{{Kind: model.DocumentLicense, Filename: "license.pdf", Data: pdfBytes}}
}

func fieldErrors(t *testing.T, err error) map[string]string {
	t.Helper()
	verr, ok := apperr.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	return verr.Fields
}

func TestCreateDriverInput_Validate(t *testing.T) {
	ok := CreateDriverInput{Name: "Ada Obi", Phone: "+2348000000001", Email: "a@x.com"}.Normalize()
	require.NoError(t, ok.Validate())
	assert.Equal(t, model.DriverActive, ok.Status)

	in := CreateDriverInput{Name: "  ", Phone: "08000000001", Email: "not-an-email", Status: model.DriverSuspended}.Normalize()
	fields := fieldErrors(t, in.Validate())
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "phone")
	assert.Contains(t, fields, "email")
	assert.Contains(t, fields, "status")
}

func TestCreateDriverInput_NormalizeEmail(t *testing.T) {
	in := CreateDriverInput{Email: "  Ada@X.COM "}.Normalize()
	assert.Equal(t, "ada@x.com", in.Email)
}

func TestKycInput_valid(t *testing.T) {
	today := date(2026, time.March, 10)
	docs := append(licenseOnly(), docstore.File{Kind: model.DocumentPassportPhoto, Data: pngBytes})
	assert.NoError(t, validKyc().Validate(today, docs))
}

func TestKycInput_ageByCalendarDate(t *testing.T) {
	today := date(2026, time.March, 10)

	in := validKyc()
	in.DateOfBirth = date(2008, time.March, 10) // 18 today
	assert.NoError(t, in.Validate(today, licenseOnly()))

	in.DateOfBirth = date(2008, time.March, 11) // 18 tomorrow
	assert.Contains(t, fieldErrors(t, in.Validate(today, licenseOnly())), "date_of_birth")
}

func TestKycInput_leapDayBirthday(t *testing.T) {
	in := validKyc()
	in.DateOfBirth = date(2008, time.February, 29)

	assert.Contains(t, fieldErrors(t, in.Validate(date(2026, time.February, 28), licenseOnly())), "date_of_birth")
	assert.NoError(t, in.Validate(date(2026, time.March, 1), licenseOnly()))
}

func TestKycInput_licenseExpiryMustBeAfterToday(t *testing.T) {
	today := date(2026, time.March, 10)

	in := validKyc()
	in.LicenseExpiresAt = today
	assert.Contains(t, fieldErrors(t, in.Validate(today, licenseOnly())), "license_expires_at")

	in.LicenseExpiresAt = today.AddDate(0, 0, 1)
	assert.NoError(t, in.Validate(today, licenseOnly()))
}

func TestKycInput_collectsEveryFieldError(t *testing.T) {
	today := date(2026, time.March, 10)
	in := KycInput{LicenseIssuedAt: date(2027, time.January, 1)}

	fields := fieldErrors(t, in.Validate(today, nil))
	for _, f := range []string{
		"date_of_birth", "license_number", "license_expires_at", "license_issued_at",
		"address.street", "address.city", "address.state", "documents.license",
	} {
		assert.Contains(t, fields, f)
	}
	assert.NotContains(t, fields, "address.postal_code")
}

func TestKycInput_issuedBeforeExpiry(t *testing.T) {
	in := validKyc()
	in.LicenseIssuedAt = in.LicenseExpiresAt
	assert.Contains(t, fieldErrors(t, in.Validate(date(2026, time.March, 10), licenseOnly())), "license_issued_at")
}

func TestKycInput_documents(t *testing.T) {
	today := date(2026, time.March, 10)

	tests := []struct {
		name  string
		docs  []docstore.File
		field string
	}{
		{"missing license", []docstore.File{{Kind: model.DocumentNationalID, Data: pdfBytes}}, "documents.license"},
		{"unknown kind", append(licenseOnly(), docstore.File{Kind: "selfie", Data: pngBytes}), "documents.selfie"},
		{"empty file", []docstore.File{{Kind: model.DocumentLicense}}, "documents.license"},
		{"wrong type", []docstore.File{{Kind: model.DocumentLicense, Data: []byte("plain text, not a scan")}}, "documents.license"},
		{"too large", []docstore.File{{Kind: model.DocumentLicense, Data: append(append([]byte{}, pdfBytes...), bytes.Repeat([]byte{0}, MaxDocumentSize)...)}}, "documents.license"},
		{"duplicate", append(licenseOnly(), licenseOnly()...), "documents.license"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, fieldErrors(t, validKyc().Validate(today, tt.docs)), tt.field)
		})
	}
}
