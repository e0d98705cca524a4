package handlers

import (
	"time"

	"github.com/driverdesk/server/internal/model"
)

// driverResponse is the driver object in API responses
type driverResponse struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Phone              string             `json:"phone"`
	Email              string             `json:"email"`
	Status             string             `json:"status"`
	VerificationStatus string             `json:"verification_status"`
	KycStatus          string             `json:"kyc_status"`
	OnboardingState    string             `json:"onboarding_state"`
	SmsVerifiedAt      *time.Time         `json:"sms_verified_at,omitempty"`
	EmailVerifiedAt    *time.Time         `json:"email_verified_at,omitempty"`
	DateOfBirth        string             `json:"date_of_birth,omitempty"`
	LicenseNumber      string             `json:"license_number,omitempty"`
	LicenseIssuedAt    string             `json:"license_issued_at,omitempty"`
	LicenseExpiresAt   string             `json:"license_expires_at,omitempty"`
	Address            *addressResponse   `json:"address,omitempty"`
	Documents          []documentResponse `json:"documents,omitempty"`
	Version            int64              `json:"version"`
	RegisteredAt       time.Time          `json:"registered_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type addressResponse struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code,omitempty"`
}

type documentResponse struct {
	Kind       string    `json:"kind"`
	Ref        string    `json:"ref"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func toDriverResponse(d model.Driver) driverResponse {
	resp := driverResponse{
		ID:                 d.ID.String(),
		Name:               d.Name,
		Phone:              d.Phone,
		Email:              d.Email,
		Status:             string(d.Status),
		VerificationStatus: string(d.VerificationStatus),
		KycStatus:          string(d.KycStatus),
		OnboardingState:    string(d.OnboardingState),
		SmsVerifiedAt:      d.SmsVerifiedAt,
		EmailVerifiedAt:    d.EmailVerifiedAt,
		DateOfBirth:        formatDate(d.DateOfBirth),
		LicenseNumber:      d.LicenseNumber,
		LicenseIssuedAt:    formatDate(d.LicenseIssuedAt),
		LicenseExpiresAt:   formatDate(d.LicenseExpiresAt),
		Version:            d.Version,
		RegisteredAt:       d.RegisteredAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if d.Address != (model.Address{}) {
		resp.Address = &addressResponse{
			Street:     d.Address.Street,
			City:       d.Address.City,
			State:      d.Address.State,
			PostalCode: d.Address.PostalCode,
		}
	}
	for _, doc := range d.Documents {
		resp.Documents = append(resp.Documents, documentResponse{Kind: string(doc.Kind), Ref: doc.Ref, UploadedAt: doc.UploadedAt})
	}
	return resp
}

func toDriverResponses(ds []model.Driver) []driverResponse {
	out := make([]driverResponse, len(ds))
	for i, d := range ds {
		out[i] = toDriverResponse(d)
	}
	return out
}

const dateLayout = "2006-01-02"

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}
