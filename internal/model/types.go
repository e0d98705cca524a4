package model

import (
	"time"

	"github.com/google/uuid"
)

// DriverStatus is the operational lifecycle status of a driver
type DriverStatus string

const (
	DriverActive    DriverStatus = "active"
	DriverInactive  DriverStatus = "inactive"
	DriverSuspended DriverStatus = "suspended"
	DriverBlocked   DriverStatus = "blocked"
)

// Valid reports whether s is a known driver status
func (s DriverStatus) Valid() bool {
	switch s {
	case DriverActive, DriverInactive, DriverSuspended, DriverBlocked:
		return true
	}
	return false
}

// VerificationStatus is the administrative review status of a driver
type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerified  VerificationStatus = "verified"
	VerificationRejected  VerificationStatus = "rejected"
	VerificationReviewing VerificationStatus = "reviewing"
)

// Valid reports whether s is a known verification status
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationVerified, VerificationRejected, VerificationReviewing:
		return true
	}
	return false
}

// KycStatus tracks whether KYC details and documents were accepted
type KycStatus string

const (
	KycPending  KycStatus = "pending"
	KycComplete KycStatus = "complete"
)

// OnboardingState is the position of a driver in the verification state machine
type OnboardingState string

const (
	StateCreated         OnboardingState = "created"
	StateContactPending  OnboardingState = "contact_pending"
	StateContactVerified OnboardingState = "contact_verified"
	StateKycComplete     OnboardingState = "kyc_complete"
)

// Channel is a contact channel proven by an OTP challenge
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Channels lists every contact channel a driver must prove
var Channels = []Channel{ChannelSMS, ChannelEmail}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// DocumentKind identifies a KYC document
type DocumentKind string

const (
	DocumentLicense       DocumentKind = "license"
	DocumentNationalID    DocumentKind = "national_id"
	DocumentPassportPhoto DocumentKind = "passport_photo"
)

// Valid reports whether k is a known document kind
func (k DocumentKind) Valid() bool {
	switch k {
	case DocumentLicense, DocumentNationalID, DocumentPassportPhoto:
		return true
	}
	return false
}

// Address is the driver's residential address collected during KYC
type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
}

// DocumentRef points at a document held by the document store
type DocumentRef struct {
	Kind       DocumentKind
	Ref        string
	UploadedAt time.Time
}

// Driver is the identity and lifecycle record of a driver
type Driver struct {
	ID                 uuid.UUID
	Name               string
	Phone              string
	Email              string
	Status             DriverStatus
	VerificationStatus VerificationStatus
	KycStatus          KycStatus
	OnboardingState    OnboardingState
	SmsVerifiedAt      *time.Time
	EmailVerifiedAt    *time.Time

	DateOfBirth      *time.Time
	LicenseNumber    string
	LicenseIssuedAt  *time.Time
	LicenseExpiresAt *time.Time
	Address          Address
	Documents        []DocumentRef

	// Version is bumped by every persisted mutation and guards against lost updates
	Version      int64
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// ContactTarget returns the destination for an OTP on the given channel
func (d Driver) ContactTarget(ch Channel) string {
	switch ch {
	case ChannelSMS:
		return d.Phone
	case ChannelEmail:
		return d.Email
	}
	return ""
}

// ChannelVerified reports whether the driver proved control of ch
func (d Driver) ChannelVerified(ch Channel) bool {
	switch ch {
	case ChannelSMS:
		return d.SmsVerifiedAt != nil
	case ChannelEmail:
		return d.EmailVerifiedAt != nil
	}
	return false
}

// Document returns the stored document of the given kind
func (d Driver) Document(kind DocumentKind) (DocumentRef, bool) {
	for _, doc := range d.Documents {
		if doc.Kind == kind {
			return doc, true
		}
	}
	return DocumentRef{}, false
}

// Clone returns a copy that shares no slices with d
func (d Driver) Clone() Driver {
	if d.Documents != nil {
		docs := make([]DocumentRef, len(d.Documents))
		copy(docs, d.Documents)
		d.Documents = docs
	}
	return d
}

// OtpChallenge is a one-time code issued to prove control of a contact channel
type OtpChallenge struct {
	ID           uuid.UUID
	DriverID     uuid.UUID
	Channel      Channel
	CodeHash     []byte
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	AttemptCount int
}

// Expired reports whether the challenge window has closed at now
func (c OtpChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Admin is a console operator allowed to run privileged operations
type Admin struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// AuditEvent records who did what, to whom, and when
type AuditEvent struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	TargetIDs []string
	Outcome   string
	Notes     string
	CreatedAt time.Time
}

// DriverCriteria is a resolved driver query. Zero values mean "no constraint".
type DriverCriteria struct {
	Status             DriverStatus
	VerificationStatus VerificationStatus
	RegisteredSince    *time.Time
	Search             string
}
