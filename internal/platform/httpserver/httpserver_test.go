package httpserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	srv := New(":8080", http.NewServeMux())
	require.Equal(t, ":8080", srv.Addr)
	require.NotNil(t, srv.Handler)
	require.Equal(t, readHeaderTimeout, srv.ReadHeaderTimeout)
}

func TestShutdownBeforeServe(t *testing.T) {
	require.NoError(t, Shutdown(New(":0", nil)))
}
