package filter

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

var now = time.Date(2026, 3, 18, 15, 30, 0, 0, time.UTC) // a Wednesday

func seed(t *testing.T) *repo.MemoryDriverRepo {
	t.Helper()
	r := repo.NewMemoryDriverRepo()
	rows := []struct {
		name, phone, email string
		status             model.DriverStatus
		verification       model.VerificationStatus
		registered         time.Time
	}{
		{"John Doe", "+2348000000001", "john@x.com", model.DriverActive, model.VerificationPending, now.Add(-2 * time.Hour)},
		{"Mary Johnson", "+2348000000002", "mary@x.com", model.DriverInactive, model.VerificationVerified, now.AddDate(0, 0, -3)},
		{"Ken Adams", "+2348000000003", "ken@johnny.io", model.DriverActive, model.VerificationVerified, now.AddDate(0, 0, -20)},
		{"Ada Obi", "+2348000000004", "ada@x.com", model.DriverSuspended, model.VerificationRejected, now.AddDate(0, -2, 0)},
		{"Old Timer", "+2348000000005", "old@x.com", model.DriverActive, model.VerificationPending, now.AddDate(-1, 0, 0)},
	}
	for _, row := range rows {
		_, err := r.Create(context.Background(), model.Driver{
			ID: uuid.New(), Name: row.name, Phone: row.phone, Email: row.email,
			Status: row.status, VerificationStatus: row.verification,
			RegisteredAt: row.registered, UpdatedAt: row.registered,
		})
		require.NoError(t, err)
	}
	return r
}

func names(r Result) []string {
	out := make([]string, len(r.Drivers))
	for i, d := range r.Drivers {
		out[i] = d.Name
	}
	return out
}

func TestResolve_emptySpecMatchesAllNewestFirst(t *testing.T) {
	svc := NewService(seed(t), func() time.Time { return now })

	res, err := svc.Resolve(context.Background(), Spec{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Filtered)
	assert.Equal(t, []string{"John Doe", "Mary Johnson", "Ken Adams", "Ada Obi", "Old Timer"}, names(res))
}

func TestResolve_statusAndSearchCombine(t *testing.T) {
	svc := NewService(seed(t), func() time.Time { return now })

	res, err := svc.Resolve(context.Background(), Spec{Status: model.DriverActive, Search: "JOHN"})
	require.NoError(t, err)
	// Mary Johnson matches the search but is inactive; Ken matches via email
	assert.Equal(t, []string{"John Doe", "Ken Adams"}, names(res))
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 2, res.Filtered)
}

func TestResolve_searchCoversPhone(t *testing.T) {
	svc := NewService(seed(t), func() time.Time { return now })

	res, err := svc.Resolve(context.Background(), Spec{Search: "000004"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada Obi"}, names(res))
}

func TestResolve_periods(t *testing.T) {
	svc := NewService(seed(t), func() time.Time { return now })

	tests := []struct {
		period Period
		want   []string
	}{
		{PeriodToday, []string{"John Doe"}},
		{PeriodWeek, []string{"John Doe", "Mary Johnson"}},
		{PeriodMonth, []string{"John Doe", "Mary Johnson"}},
		{PeriodQuarter, []string{"John Doe", "Mary Johnson", "Ken Adams", "Ada Obi"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			res, err := svc.Resolve(context.Background(), Spec{Period: tt.period})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(res))
		})
	}
}

func TestPeriod_Start(t *testing.T) {
	assert.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), PeriodToday.Start(now))
	assert.Equal(t, now.AddDate(0, 0, -7), PeriodWeek.Start(now))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), PeriodMonth.Start(now))
	assert.Equal(t, time.Date(2025, 12, 18, 15, 30, 0, 0, time.UTC), PeriodQuarter.Start(now))
}

func TestResolve_verificationStatus(t *testing.T) {
	svc := NewService(seed(t), func() time.Time { return now })

	res, err := svc.Resolve(context.Background(), Spec{VerificationStatus: model.VerificationVerified})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mary Johnson", "Ken Adams"}, names(res))

	ids, err := svc.ResolveIDs(context.Background(), Spec{VerificationStatus: model.VerificationVerified})
	require.NoError(t, err)
	assert.Equal(t, res.IDs(), ids)
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec(url.Values{
		"status":              {"Active"},
		"verification_status": {"pending"},
		"period":              {"week"},
		"search":              {"  john "},
	})
	require.NoError(t, err)
	assert.Equal(t, Spec{Status: model.DriverActive, VerificationStatus: model.VerificationPending, Period: PeriodWeek, Search: "john"}, spec)

	spec, err = ParseSpec(url.Values{})
	require.NoError(t, err)
	assert.True(t, spec.Empty())
}

func TestParseSpec_rejectsUnknownValues(t *testing.T) {
	_, err := ParseSpec(url.Values{"status": {"retired"}, "period": {"year"}})
	verr, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.Contains(t, verr.Fields, "status")
	assert.Contains(t, verr.Fields, "period")
}
