package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gcstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestWriteObjectAbortsOnWriteError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := gcstorage.NewClient(ctx,
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	defer client.Close()

	readErr := errors.New("read raw: input/output error")
	err = writeObject(ctx, client.Bucket("babyview_main_storage").Object("S001/a.mp4"), "", func(io.Writer) error {
		return readErr
	})

	assert.ErrorIs(t, err, readErr)
	assert.Zero(t, hits.Load())
}
