package docstore

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverdesk/server/internal/apperr"
	"github.com/driverdesk/server/internal/model"
)

var pdf = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")

func TestLocal_putAndOpen(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, http.DetectContentType)
	require.NoError(t, err)

	driverID := uuid.New()
	ref, err := store.Put(context.Background(), File{DriverID: driverID, Kind: model.DocumentLicense, Data: pdf})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, driverID.String()+"/license-"))
	assert.Equal(t, ".pdf", filepath.Ext(ref))

	data, err := store.Open(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, pdf, data)
}

func TestLocal_openRejectsEscapingRefs(t *testing.T) {
	store, err := NewLocal(t.TempDir(), http.DetectContentType)
	require.NoError(t, err)

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "", "missing/file.pdf"} {
		_, err := store.Open(context.Background(), ref)
		assert.ErrorIs(t, err, apperr.ErrNotFound, ref)
	}
}

func TestLocal_delete(t *testing.T) {
	store, err := NewLocal(t.TempDir(), http.DetectContentType)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), File{DriverID: uuid.New(), Kind: model.DocumentLicense, Data: pdf})
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), ref))

	_, err = store.Open(context.Background(), ref)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, store.Delete(context.Background(), ref), "deleting twice is fine")
	assert.ErrorIs(t, store.Delete(context.Background(), "../outside.pdf"), apperr.ErrNotFound)
}

func TestMemory_putCopiesData(t *testing.T) {
	store := NewMemory()
	data := []byte("%PDF-1.4")
	ref, err := store.Put(context.Background(), File{DriverID: uuid.New(), Kind: model.DocumentNationalID, Data: data})
	require.NoError(t, err)

	data[0] = 'X'
	got, err := store.Open(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, byte('%'), got[0])
	assert.Equal(t, 1, store.Len())

	_, err = store.Open(context.Background(), "mem://nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemory_failAfterAndDelete(t *testing.T) {
	store := NewMemory()
	store.FailAfter = 1
	ctx := context.Background()

	ref, err := store.Put(ctx, File{DriverID: uuid.New(), Kind: model.DocumentLicense, Data: pdf})
	require.NoError(t, err)
	_, err = store.Put(ctx, File{DriverID: uuid.New(), Kind: model.DocumentNationalID, Data: pdf})
	require.Error(t, err)

	require.NoError(t, store.Delete(ctx, ref))
	assert.Zero(t, store.Len())
}
