package stt_test

import (
	"testing"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

func TestContentTypeAllowed(t *testing.T) {
	t.Parallel()
	allowed := []string{
		"audio/wav", "audio/x-wav", "audio/pcm", "audio/ogg", "audio/mpeg",
		"audio/webm", "AUDIO/WAV", "audio/ogg; codecs=opus", " audio/wav ",
	}
	for _, ct := range allowed {
		if !stt.ContentTypeAllowed(ct) {
			t.Errorf("ContentTypeAllowed(%q) = false", ct)
		}
	}
	rejected := []string{"", "audio/flac", "text/plain", "application/json", "video/webm"}
	for _, ct := range rejected {
		if stt.ContentTypeAllowed(ct) {
			t.Errorf("ContentTypeAllowed(%q) = true", ct)
		}
	}
}

func TestJoinTranscript(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		text     string
		segments []string
		want     string
		wantErr  bool
	}{
		{"segments win over text", "loser", []string{"a", "b"}, "a b", false},
		{"blank segments fall back to text", "fallback", []string{" ", ""}, "fallback", false},
		{"segments trimmed and joined", "", []string{" hello ", "world "}, "hello world", false},
		{"text only", "just text", nil, "just text", false},
		{"text trimmed", "  padded  ", nil, "padded", false},
		{"both empty", "  ", []string{""}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := stt.JoinTranscript(tc.text, tc.segments)
			if tc.wantErr {
				if types.CodeOf(err) != types.CodeSTTTranscriptionFailed {
					t.Fatalf("want STT_TRANSCRIPTION_FAILED, got %v", err)
				}
				if types.KindOf(err) != types.KindUser {
					t.Errorf("empty transcript must be user-kind, got %q", types.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("JoinTranscript: %v", err)
			}
			if got != tc.want {
				t.Errorf("JoinTranscript = %q, want %q", got, tc.want)
			}
		})
	}
}
