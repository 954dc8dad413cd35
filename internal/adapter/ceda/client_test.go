package ceda

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodata/cycling-data-etl/internal/fetcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(srv *httptest.Server, metrics []string) *Client {
	return New(testLogger(), "v20230328", "session-token", metrics,
		WithBaseURL(srv.URL), WithArchivePath("archive/5km"))
}

func TestListWalksMetricDirectories(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		cookie, err := r.Cookie("ceda.session.1")
		require.NoError(t, err)
		require.Equal(t, "session-token", cookie.Value)

		fmt.Fprintf(w, `{"items":[
  {"download":"https://dap.ceda.ac.uk%s/tasmin_hadukgrid_uk_5km_day_20200101-20200131.nc"},
  {"download":"https://dap.ceda.ac.uk%s/tasmin_hadukgrid_uk_5km_day_20200201-20200229.nc"}
]}`, r.URL.Path, r.URL.Path)
	}))
	defer srv.Close()

	c := newTestClient(srv, []string{"tasmin", "tasmax"})
	urls, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, urls, 4)
	assert.Equal(t, []string{
		"/archive/5km/tasmin/day/v20230328",
		"/archive/5km/tasmax/day/v20230328",
	}, paths)
	assert.Contains(t, urls[0], "tasmin_hadukgrid_uk_5km_day_20200101-20200131.nc")
}

func TestDownloadFileStreamsToDisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("ceda.session.1")
		require.NoError(t, err)
		require.Equal(t, "session-token", cookie.Value)
		fmt.Fprint(w, "netcdf-bytes")
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	dst := filepath.Join(t.TempDir(), "tasmin_202001.nc")
	require.NoError(t, c.DownloadFile(context.Background(), srv.URL+"/some/file.nc", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "netcdf-bytes", string(data))
}

func TestDownloadFileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv, nil)
	dst := filepath.Join(t.TempDir(), "x.nc")
	err := c.DownloadFile(context.Background(), srv.URL+"/some/file.nc", dst)
	require.Error(t, err)
	assert.True(t, fetcher.IsTransient(err))
	assert.NoFileExists(t, dst)
}

func TestExpiredSessionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv, []string{"rainfall"})
	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.False(t, fetcher.IsTransient(err))
	assert.Contains(t, err.Error(), "session cookie")
}
