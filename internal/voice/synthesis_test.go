package voice

import (
	"context"
	"errors"
	"testing"
)

func TestSynthesizeWithFallback(t *testing.T) {
	remoteErr := errors.New("status 429")
	local := &fakeLocal{tracker: &deviceTracker{}}

	cases := []struct {
		name      string
		synth     Synthesizer
		text      string
		wantKind  SynthesisKind
		wantText  string
		wantAudio bool
		wantErr   error
	}{
		{
			name:      "remote success",
			synth:     Synthesizer{Remote: &fakeRemote{}, Local: local},
			text:      "**Hi** there",
			wantKind:  SynthesisRemote,
			wantText:  "Hi there",
			wantAudio: true,
		},
		{
			name:     "remote failure falls back",
			synth:    Synthesizer{Remote: &fakeRemote{err: remoteErr}, Local: local},
			text:     "Hi there",
			wantKind: SynthesisFallback,
			wantText: "Hi there",
		},
		{
			name:     "no remote configured falls back",
			synth:    Synthesizer{Local: local},
			text:     "Hi there",
			wantKind: SynthesisFallback,
			wantText: "Hi there",
		},
		{
			name:     "remote failure without local fails",
			synth:    Synthesizer{Remote: &fakeRemote{err: remoteErr}},
			text:     "Hi there",
			wantKind: SynthesisFailed,
			wantText: "Hi there",
			wantErr:  remoteErr,
		},
		{
			name:     "markup only text fails",
			synth:    Synthesizer{Remote: &fakeRemote{}, Local: local},
			text:     "** ``",
			wantKind: SynthesisFailed,
			wantErr:  ErrNothingToSpeak,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := tc.synth.SynthesizeWithFallback(context.Background(), tc.text)
			if got.Kind != tc.wantKind {
				t.Fatalf("Kind = %q, want %q", got.Kind, tc.wantKind)
			}
			if got.Text != tc.wantText {
				t.Fatalf("Text = %q, want %q", got.Text, tc.wantText)
			}
			if tc.wantAudio && len(got.Audio.Data) == 0 {
				t.Fatalf("Audio empty, want remote audio")
			}
			if tc.wantErr != nil && !errors.Is(got.Err, tc.wantErr) {
				t.Fatalf("Err = %v, want %v", got.Err, tc.wantErr)
			}
			if tc.wantKind == SynthesisFallback && got.RemoteErr == nil {
				t.Fatalf("RemoteErr = nil, want cause of fallback")
			}
		})
	}
}

func TestSynthesizeWithFallbackSendsCleanedTextToRemote(t *testing.T) {
	remote := &fakeRemote{}
	Synthesizer{Remote: remote}.SynthesizeWithFallback(context.Background(), "**Hello** `world`")
	if got := remote.Texts(); len(got) != 1 || got[0] != "Hello world" {
		t.Fatalf("remote texts = %q, want [Hello world]", got)
	}
}

func TestSelectVoice(t *testing.T) {
	cases := []struct {
		name   string
		voices []LocalVoice
		locale string
		want   string
	}{
		{
			name: "named voice beats female label",
			voices: []LocalVoice{
				{Name: "Karen Female", Lang: "en-AU"},
				{Name: "Samantha", Lang: "en-US"},
			},
			locale: "en-US",
			want:   "Samantha",
		},
		{
			name: "named voice order",
			voices: []LocalVoice{
				{Name: "Samantha", Lang: "en-US"},
				{Name: "Google US English", Lang: "en-US"},
			},
			locale: "en-US",
			want:   "Google US English",
		},
		{
			name: "female label beats locale",
			voices: []LocalVoice{
				{Name: "Daniel", Lang: "en-US"},
				{Name: "Moira Female", Lang: "en-IE"},
			},
			locale: "en-US",
			want:   "Moira Female",
		},
		{
			name: "locale match",
			voices: []LocalVoice{
				{Name: "Thomas", Lang: "fr-FR"},
				{Name: "Daniel", Lang: "en_US"},
			},
			locale: "en-US",
			want:   "Daniel",
		},
		{
			name:   "no match uses platform default",
			voices: []LocalVoice{{Name: "Thomas", Lang: "fr-FR"}},
			locale: "en-US",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := SelectVoice(tc.voices, tc.locale)
			if tc.want == "" {
				if got != nil {
					t.Fatalf("SelectVoice() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Name != tc.want {
				t.Fatalf("SelectVoice() = %+v, want %q", got, tc.want)
			}
		})
	}
}
