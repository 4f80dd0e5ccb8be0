package analysis

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/insightq/internal/domain"
)

func TestHTTPAssistantGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"text":"Good risk management on this trade."}`))
	}))
	defer srv.Close()

	client := NewHTTPAssistant(srv.URL, "secret", nil)
	text, err := client.Generate(context.Background(), GenerateRequest{Prompt: "review trade"})
	require.NoError(t, err)
	assert.Equal(t, "Good risk management on this trade.", text)
}

func TestHTTPAssistantClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.FailureKind
	}{
		{"throttled", http.StatusTooManyRequests, domain.FailureTransient},
		{"server error", http.StatusInternalServerError, domain.FailureTransient},
		{"bad gateway", http.StatusBadGateway, domain.FailureTransient},
		{"rejected input", http.StatusBadRequest, domain.FailurePermanent},
		{"content policy", http.StatusUnprocessableEntity, domain.FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewHTTPAssistant(srv.URL, "", nil)
			_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.Classify(err))
		})
	}
}

func TestHTTPAssistantTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect once the request
		// body is consumed; without this drain the context is never
		// canceled and srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewHTTPAssistant(srv.URL, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.Classify(err))
}

func TestHTTPAssistantConnectionErrorIsTransient(t *testing.T) {
	client := NewHTTPAssistant("http://127.0.0.1:1", "", nil)
	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.Classify(err))
}

func TestHTTPAssistantEmptyTextIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	}))
	defer srv.Close()

	client := NewHTTPAssistant(srv.URL, "", nil)
	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.FailureTransient, domain.Classify(err))
}
