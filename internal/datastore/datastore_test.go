package datastore

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDataStore(t *testing.T) *DataStore {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/@zamplebox/@easypost.json",
		[]byte(`{"account":{"key":"JleR1ZYkvqHi3cZk5IDqAQ","tags":["a","b"]},"@meta":{"v":1}}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/@easypost/@easypost.json",
		[]byte(`{"endpoint":"https://easypost.com/api/track"}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/@broken/@easypost.json", []byte(`{`), 0o644))

	return New(fs, "/data", zap.NewNop())
}

func TestDataStore_Get(t *testing.T) {
	ds := newTestDataStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		location string
		owner    string
		want     string
	}{
		{"Nested Object", "@easypost.account", "@zamplebox", `{"key":"JleR1ZYkvqHi3cZk5IDqAQ","tags":["a","b"]}`},
		{"Leaf Value", "@easypost.account.key", "@zamplebox", `"JleR1ZYkvqHi3cZk5IDqAQ"`},
		{"Whole Document", "@easypost", "@easypost", `{"endpoint":"https://easypost.com/api/track"}`},
		{"Owner Defaults To Source", "@easypost.endpoint", "", `"https://easypost.com/api/track"`},
		{"Special Characters", "@easypost.@meta.v", "@zamplebox", `1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ds.Get(ctx, tt.location, tt.owner)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDataStore_GetErrors(t *testing.T) {
	ds := newTestDataStore(t)
	ctx := context.Background()

	_, err := ds.Get(ctx, "@easypost.account", "@nobody")
	assert.ErrorIs(t, err, ErrOwnerNotFound)

	_, err = ds.Get(ctx, "@easypost.account.secret", "@zamplebox")
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, err = ds.Get(ctx, "@easypost.account", "../etc")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = ds.Get(ctx, "", "@zamplebox")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = ds.Get(ctx, "@easypost.account", "@broken")
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ds.Get(cancelled, "@easypost.account", "@zamplebox")
	assert.ErrorIs(t, err, context.Canceled)
}
