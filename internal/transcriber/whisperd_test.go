package transcriber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment_000.wav")
	if err := os.WriteFile(path, []byte("RIFFfake"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestWhisperdTranscribe(t *testing.T) {
	var gotPath, gotFormat, gotLanguage string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotFormat = r.FormValue("response_format")
		gotLanguage = r.FormValue("language")

		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"text": "hello world",
			"segments": [
				{"start": 0, "end": 1.5, "text": " hello"},
				{"start": 1.5, "end": 3.0, "text": " world"}
			]
		}`))
	}))
	defer srv.Close()

	backend := NewWhisperd(srv.URL)
	res, err := backend.Transcribe(context.Background(), writeAudioFixture(t), "en")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if gotPath != "/inference" {
		t.Fatalf("expected POST to /inference, got %q", gotPath)
	}
	if gotFormat != "verbose_json" {
		t.Fatalf("expected verbose_json response format, got %q", gotFormat)
	}
	if gotLanguage != "en" {
		t.Fatalf("expected language en, got %q", gotLanguage)
	}

	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(res.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(res.Tokens))
	}
	if res.Tokens[1].Start != 1.5 || res.Tokens[1].End != 3.0 {
		t.Fatalf("unexpected token timing: %+v", res.Tokens[1])
	}
}

func TestWhisperdServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	backend := NewWhisperd(srv.URL)
	if _, err := backend.Transcribe(context.Background(), writeAudioFixture(t), ""); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestWhisperdErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "audio too short"}`))
	}))
	defer srv.Close()

	backend := NewWhisperd(srv.URL)
	if _, err := backend.Transcribe(context.Background(), writeAudioFixture(t), ""); err == nil {
		t.Fatal("expected error from error payload")
	}
}

func TestWhisperdOmitsAutoLanguage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if lang := r.FormValue("language"); lang != "" {
			t.Errorf("expected language omitted for auto, got %q", lang)
		}
		_, _ = w.Write([]byte(`{"text": ""}`))
	}))
	defer srv.Close()

	backend := NewWhisperd(srv.URL)
	if _, err := backend.Transcribe(context.Background(), writeAudioFixture(t), "auto"); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
}
