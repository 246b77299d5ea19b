package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseServiceEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		want    ServiceEndpoint
		wantErr bool
	}{
		{raw: "https://abc123.ngrok.app", want: ServiceEndpoint{Protocol: "https", Host: "abc123.ngrok.app", Port: 443}},
		{raw: "http://abc123.ngrok.app", want: ServiceEndpoint{Protocol: "http", Host: "abc123.ngrok.app", Port: 80}},
		{raw: "https://example.com:8443/hook", want: ServiceEndpoint{Protocol: "https", Host: "example.com", Port: 8443, Path: "/hook"}},
		{raw: "  https://padded.example.com\n", want: ServiceEndpoint{Protocol: "https", Host: "padded.example.com", Port: 443}},
		{raw: "tcp://0.tcp.ngrok.io:12345", wantErr: true},
		{raw: "https://", wantErr: true},
		{raw: "https://example.com:99999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseServiceEndpoint(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestServiceEndpointURL(t *testing.T) {
	ep := ServiceEndpoint{Protocol: "https", Host: "abc.ngrok.app", Port: 443}
	if got := ep.URL(); got != "https://abc.ngrok.app" {
		t.Errorf("URL() = %q", got)
	}
	if got := ep.WebhookURL("/tts"); got != "https://abc.ngrok.app/tts" {
		t.Errorf("WebhookURL() = %q", got)
	}
	if got := ep.WebhookURL("tts"); got != "https://abc.ngrok.app/tts" {
		t.Errorf("WebhookURL() without slash = %q", got)
	}
	if !ep.Secure() {
		t.Error("expected https endpoint to be secure")
	}

	custom := ServiceEndpoint{Protocol: "http", Host: "localhost", Port: 1414, Path: "/base/"}
	if got := custom.URL(); got != "http://localhost:1414/base" {
		t.Errorf("URL() = %q", got)
	}
}

func TestRemediation(t *testing.T) {
	wrapped := fmt.Errorf("starting listener: %w", ErrListenerUnhealthy)
	if Remediation(wrapped) == "" {
		t.Error("expected remediation for wrapped taxonomy error")
	}
	if !IsKnown(wrapped) {
		t.Error("expected wrapped taxonomy error to be known")
	}

	other := errors.New("boom")
	if Remediation(other) != "" {
		t.Error("expected no remediation for unknown error")
	}
	if IsKnown(other) {
		t.Error("expected unknown error not to be known")
	}
}
