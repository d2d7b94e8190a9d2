package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/recognize", r.URL.Path)

		var req recognizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "data:image/jpeg;base64,AAAA", req.Image)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"plateText":"51B2*67890","processingTimeMs":120.5}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	text, err := c.Recognize(context.Background(), "data:image/jpeg;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "51B267890", text)
}

func TestRecognizeLegacyField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"licensePlate":"30A112345"}`))
	}))
	defer srv.Close()

	text, err := NewClient(srv.URL, time.Second).Recognize(context.Background(), "img")
	require.NoError(t, err)
	assert.Equal(t, "30A112345", text)
}

func TestRecognizeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid image data", http.StatusBadRequest)
		}},
		{"not success", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error":"model not loaded"}`))
		}},
		{"bad body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Recognize(context.Background(), "img")
			assert.Error(t, err)
		})
	}
}

func TestRecognizeContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL, 5*time.Second).Recognize(ctx, "img")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
