package homeassistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shbatm/ha-mcp-oauth/providers"
)

func hubWith(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

func validationMessage(t *testing.T, err error) string {
	t.Helper()
	var verr *providers.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *providers.ValidationError", err)
	}
	return verr.Message
}

func TestValidateCredentials_OK(t *testing.T) {
	hub := hubWith(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			t.Errorf("probe path = %q, want /api/config", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer llat" {
			t.Errorf("Authorization = %q, want Bearer llat", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":"2026.8.1","location_name":"Home"}`)
	})
	defer hub.Close()

	v := New(Config{})
	if err := v.ValidateCredentials(context.Background(), hub.URL, "llat"); err != nil {
		t.Fatalf("ValidateCredentials() error = %v", err)
	}
}

func TestValidateCredentials_TrailingSlash(t *testing.T) {
	hub := hubWith(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			t.Errorf("probe path = %q, want /api/config", r.URL.Path)
		}
		fmt.Fprint(w, `{"version":"2026.8.1"}`)
	})
	defer hub.Close()

	v := New(Config{})
	if err := v.ValidateCredentials(context.Background(), hub.URL+"/", "llat"); err != nil {
		t.Fatalf("ValidateCredentials() error = %v", err)
	}
}

func TestValidateCredentials_Classification(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantMessage string
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantMessage: "Invalid access token. Please check your Long-Lived Access Token.",
		},
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			wantMessage: "Access forbidden. The token may not have sufficient permissions.",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantMessage: "Failed to connect to Home Assistant: HTTP 502",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `not json at all`)
			},
			wantMessage: "Invalid response format from Home Assistant.",
		},
		{
			name: "not home assistant",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"status":"up"}`)
			},
			wantMessage: "Invalid response from Home Assistant. Please check the URL.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := hubWith(tt.handler)
			defer hub.Close()

			v := New(Config{})
			err := v.ValidateCredentials(context.Background(), hub.URL, "llat")
			if got := validationMessage(t, err); got != tt.wantMessage {
				t.Errorf("message = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestValidateCredentials_ConnectionRefused(t *testing.T) {
	hub := hubWith(func(w http.ResponseWriter, r *http.Request) {})
	hub.Close() // probe hits a dead port

	v := New(Config{})
	err := v.ValidateCredentials(context.Background(), hub.URL, "llat")
	want := "Could not connect to Home Assistant. Please check the URL and ensure Home Assistant is accessible."
	if got := validationMessage(t, err); got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestValidateCredentials_Timeout(t *testing.T) {
	hub := hubWith(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	defer hub.Close()

	v := New(Config{Timeout: 50 * time.Millisecond})
	err := v.ValidateCredentials(context.Background(), hub.URL, "llat")
	want := "Connection to Home Assistant timed out. Please check the URL."
	if got := validationMessage(t, err); got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestValidationError_Unwrap(t *testing.T) {
	hub := hubWith(func(w http.ResponseWriter, r *http.Request) {})
	hub.Close()

	v := New(Config{})
	err := v.ValidateCredentials(context.Background(), hub.URL, "llat")

	var verr *providers.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *providers.ValidationError", err)
	}
	if verr.Unwrap() == nil {
		t.Error("Unwrap() = nil, want the underlying transport error")
	}
}
