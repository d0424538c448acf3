package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/provider/stt/openai"
	"github.com/MrWong99/lensgate/pkg/types"
)

func apiServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /audio/transcriptions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("request was not multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "Licht einschalten"})
	})

	p, err := openai.New("sk-test", "whisper-1", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(context.Background(), stt.Audio{
		Data:         []byte("OggSfake"),
		ContentType:  "audio/ogg",
		LanguageHint: "de",
	}, types.NewTurnID())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Licht einschalten" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Provider != types.ProviderOpenAI || res.Model != "whisper-1" || res.Language != "de" {
		t.Errorf("result metadata = %+v", res)
	}
}

func TestTranscribeEmptyTextIsUserError(t *testing.T) {
	t.Parallel()
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "  "})
	})

	p, err := openai.New("sk-test", "whisper-1", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), stt.Audio{Data: []byte("x"), ContentType: "audio/wav"}, types.NewTurnID())
	if types.CodeOf(err) != types.CodeSTTTranscriptionFailed {
		t.Fatalf("want STT_TRANSCRIPTION_FAILED, got %v", err)
	}
	if types.KindOf(err) != types.KindUser {
		t.Errorf("empty transcript must be user-kind, got %q", types.KindOf(err))
	}
}

func TestTranscribeAPIErrorIsOperator(t *testing.T) {
	t.Parallel()
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "unsupported file format", "type": "invalid_request_error"},
		})
	})

	p, err := openai.New("sk-test", "whisper-1", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), stt.Audio{Data: []byte("x"), ContentType: "audio/wav"}, types.NewTurnID())
	if types.CodeOf(err) != types.CodeSTTTranscriptionFailed {
		t.Fatalf("want STT_TRANSCRIPTION_FAILED, got %v", err)
	}
	if types.KindOf(err) != types.KindOperator {
		t.Errorf("API rejection must be operator-kind, got %q", types.KindOf(err))
	}
}

func TestTranscribeTimeout(t *testing.T) {
	t.Parallel()
	srv := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	p, err := openai.New("sk-test", "whisper-1",
		openai.WithBaseURL(srv.URL+"/"),
		openai.WithTimeout(30*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), stt.Audio{Data: []byte("x"), ContentType: "audio/wav"}, types.NewTurnID())
	if types.CodeOf(err) != types.CodeSTTTimeout {
		t.Fatalf("want STT_TIMEOUT, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := openai.New("", "whisper-1")
	if types.CodeOf(err) != types.CodeMissingConfig {
		t.Fatalf("want MISSING_CONFIG, got %v", err)
	}
}
