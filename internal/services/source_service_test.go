package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/ragbot/internal/core"
	objectclient "github.com/markdave123-py/ragbot/internal/core/object-client"
	"github.com/markdave123-py/ragbot/internal/models"
)

// memObjects is an ObjectClient over a map.
type memObjects map[string][]byte

func (m memObjects) UploadFile(_ context.Context, key string, data []byte, _ string) (string, error) {
	m[key] = data
	return "mem://" + key, nil
}

func (m memObjects) DeleteFile(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func (m memObjects) GetFile(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func TestSourceService_List(t *testing.T) {
	s := seed(t)
	svc := NewSourceService(s.store, nil)

	sources, err := svc.List(context.Background(), "owner-a", s.botA.ID)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	_, err = svc.List(context.Background(), "owner-b", s.botA.ID)
	assert.ErrorIs(t, err, core.ErrAuthentication)

	_, err = svc.List(context.Background(), "owner-a", 999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSourceService_Usage(t *testing.T) {
	s := seed(t)
	svc := NewSourceService(s.store, nil)

	used, limit, err := svc.Usage(context.Background(), "owner-a", s.botA.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, used)
	assert.Equal(t, 5, limit)
}

func TestSourceService_Raw(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	objects := memObjects{}

	ds := models.DataSource{
		ID:            "doc-2",
		Type:          models.SourceDocument,
		Name:          "manual.txt",
		Citation:      "manual.txt",
		SourceDetails: map[string]any{"type": "text/plain", "storageUrl": "mem://x"},
	}
	require.NoError(t, s.store.BulkInsert(ctx, s.botA.ID, 0, []models.DataSource{ds}, nil))
	objects[objectclient.Key(s.botA.ID, ds.ID, ds.Name)] = []byte("raw manual")

	svc := NewSourceService(s.store, objects)
	f, err := svc.Raw(ctx, "owner-a", s.botA.ID, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, "manual.txt", f.Name)
	assert.Equal(t, "text/plain", f.ContentType)
	assert.Equal(t, []byte("raw manual"), f.Data)

	// doc-1 was never archived
	_, err = svc.Raw(ctx, "owner-a", s.botA.ID, "doc-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = svc.Raw(ctx, "owner-a", s.botA.ID, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = NewSourceService(s.store, nil).Raw(ctx, "owner-a", s.botA.ID, "doc-2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
