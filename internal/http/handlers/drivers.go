package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/filter"
	"github.com/driverdesk/server/internal/logging"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/onboarding"
)

const (
	kycMaxMemory = 8 << 20
	// three documents at the size limit plus form fields
	kycMaxBody = 3*onboarding.MaxDocumentSize + 1<<20
)

// AccountCreator creates drivers and starts contact verification
type AccountCreator interface {
	CreateDriverAccount(ctx context.Context, in onboarding.CreateDriverInput) (onboarding.Account, error)
}

// DriverService reads drivers and completes KYC
type DriverService interface {
	Get(ctx context.Context, id uuid.UUID) (model.Driver, error)
	CompleteKyc(ctx context.Context, driverID uuid.UUID, in onboarding.KycInput, docs []docstore.File) (model.Driver, error)
}

// DriverFinder resolves driver filters
type DriverFinder interface {
	Resolve(ctx context.Context, spec filter.Spec) (filter.Result, error)
}

// DriverHandler handles driver account, listing and KYC endpoints
type DriverHandler struct {
	accounts AccountCreator
	drivers  DriverService
	finder   DriverFinder
	devMode  bool
	log      *slog.Logger
}

// NewDriverHandler creates a new driver handler. In dev mode issued codes are echoed back.
func NewDriverHandler(accounts AccountCreator, drivers DriverService, finder DriverFinder, devMode bool, log *slog.Logger) *DriverHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &DriverHandler{accounts: accounts, drivers: drivers, finder: finder, devMode: devMode, log: log}
}

// createDriverRequest is the request body for POST /drivers
type createDriverRequest struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

type createDriverResponse struct {
	Driver driverResponse                   `json:"driver"`
	Otp    map[model.Channel]challengeState `json:"otp"`
}

// HandleCreate handles POST /drivers
func (h *DriverHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	acct, err := h.accounts.CreateDriverAccount(r.Context(), onboarding.CreateDriverInput{
		Name:   req.Name,
		Phone:  req.Phone,
		Email:  req.Email,
		Status: model.DriverStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	resp := createDriverResponse{
		Driver: toDriverResponse(acct.Driver),
		Otp:    make(map[model.Channel]challengeState, len(model.Channels)),
	}
	for _, ch := range model.Channels {
		resp.Otp[ch] = newChallengeState(acct.Challenges[ch], acct.IssueErrors[ch], h.devMode)
	}
	respondJSON(w, http.StatusCreated, resp)
}

type listDriversResponse struct {
	Drivers  []driverResponse `json:"drivers"`
	Total    int              `json:"total"`
	Filtered int              `json:"filtered"`
}

// HandleList handles GET /drivers?status=&verification_status=&period=&search=
func (h *DriverHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	spec, err := filter.ParseSpec(r.URL.Query())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	res, err := h.finder.Resolve(r.Context(), spec)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, listDriversResponse{
		Drivers:  toDriverResponses(res.Drivers),
		Total:    res.Total,
		Filtered: res.Filtered,
	})
}

// HandleGet handles GET /drivers/{id}
func (h *DriverHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := driverIDParam(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	d, err := h.drivers.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toDriverResponse(d))
}

// HandleCompleteKyc handles POST /drivers/{id}/kyc as multipart/form-data. Fields:
// date_of_birth, license_number, license_issued_at, license_expires_at (YYYY-MM-DD),
// address_street, address_city, address_state, address_postal_code. Files are sent under
// their document kind: license, national_id, passport_photo.
func (h *DriverHandler) HandleCompleteKyc(w http.ResponseWriter, r *http.Request) {
	id, err := driverIDParam(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, kycMaxBody)
	if err := r.ParseMultipartForm(kycMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, h.log, apperr.NewValidationError("body", "expected multipart/form-data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	verr := &apperr.ValidationError{}
	in := onboarding.KycInput{
		DateOfBirth:      parseDate(verr, r, "date_of_birth"),
		LicenseNumber:    r.FormValue("license_number"),
		LicenseIssuedAt:  parseDate(verr, r, "license_issued_at"),
		LicenseExpiresAt: parseDate(verr, r, "license_expires_at"),
		Address: model.Address{
			Street:     r.FormValue("address_street"),
			City:       r.FormValue("address_city"),
			State:      r.FormValue("address_state"),
			PostalCode: r.FormValue("address_postal_code"),
		},
	}

	var docs []docstore.File
	for kind, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			data, err := readUpload(fh)
			if err != nil {
				// kept with no data so KYC validation rejects the submission
				verr.Add("documents."+kind, "could not be read")
				data = nil
			}
			docs = append(docs, docstore.File{
				DriverID: id,
				Kind:     model.DocumentKind(kind),
				Filename: fh.Filename,
				Data:     data,
			})
		}
	}
	// Form errors leave zero dates or empty files behind, so the service rejects the input and
	// its field errors are reported together with ours.
	d, err := h.drivers.CompleteKyc(r.Context(), id, in, docs)
	if !verr.Empty() {
		writeError(w, h.log, mergeFieldErrors(verr, err))
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toDriverResponse(d))
}

// mergeFieldErrors adds the field errors of err to verr; fields already in verr keep their message
func mergeFieldErrors(verr *apperr.ValidationError, err error) *apperr.ValidationError {
	if other, ok := apperr.AsValidation(err); ok {
		for field, msg := range other.Fields {
			verr.Add(field, msg)
		}
	}
	return verr
}

// parseDate reads a YYYY-MM-DD form field; blank is left to the KYC validation
func parseDate(verr *apperr.ValidationError, r *http.Request, field string) time.Time {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		verr.Add(field, "must be a date in YYYY-MM-DD format")
		return time.Time{}
	}
	return t
}

// readUpload reads one byte past the document limit so oversize files reach validation
func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, onboarding.MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}
