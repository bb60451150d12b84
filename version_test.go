package kephaslink

import "testing"

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input      string
		want       Version
		wantPrefix string
		wantLegacy bool
		wantError  bool
	}{
		{input: "4.0.8", want: Version{4, 0, 8}, wantPrefix: "/v4"},
		{input: "4.1.0-SNAPSHOT", want: Version{4, 1, 0}, wantPrefix: "/v4"},
		{input: "v4.0.0+build.7", want: Version{4, 0, 0}, wantPrefix: "/v4"},
		{input: "3.7.0", want: Version{3, 7, 0}, wantPrefix: "/v3"},
		{input: "3.7.11", want: Version{3, 7, 11}, wantPrefix: "/v3"},
		{input: "3.10.2", want: Version{3, 10, 2}, wantPrefix: "/v3"},
		{input: "3.6.99", want: Version{3, 6, 99}, wantPrefix: "", wantLegacy: true},
		{input: "3.4", want: Version{3, 4, 0}, wantPrefix: "", wantLegacy: true},
		{input: " 4 \n", want: Version{4, 0, 0}, wantPrefix: "/v4"},
		{input: "", wantError: true},
		{input: "nightly", wantError: true},
		{input: "4.0.0.1", wantError: true},
		{input: "4.-1.0", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseVersion(tt.input)
			if (err != nil) != tt.wantError {
				t.Fatalf("ParseVersion(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
			if tt.wantError {
				return
			}
			if got != tt.want {
				t.Errorf("ParseVersion(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if p := got.RoutePrefix(); p != tt.wantPrefix {
				t.Errorf("RoutePrefix() = %q, want %q", p, tt.wantPrefix)
			}
			if got.Legacy() != tt.wantLegacy {
				t.Errorf("Legacy() = %v, want %v", got.Legacy(), tt.wantLegacy)
			}
		})
	}
}

func TestVersionCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b Version
		want int
	}{
		{Version{3, 10, 0}, Version{3, 7, 0}, 1},
		{Version{3, 7, 0}, Version{3, 7, 0}, 0},
		{Version{3, 99, 99}, Version{4, 0, 0}, -1},
		{Version{4, 0, 1}, Version{4, 0, 0}, 1},
		{Version{4, 0, 9}, Version{4, 1, 0}, -1},
		{Version{5, 0, 0}, Version{4, 9, 9}, 1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseLoopMode(t *testing.T) {
	t.Parallel()

	valid := map[string]LoopMode{"off": LoopOff, "0": LoopOff, "track": LoopTrack, "1": LoopTrack, "QUEUE": LoopQueue, "2": LoopQueue}
	for in, want := range valid {
		got, err := ParseLoopMode(in)
		if err != nil || got != want {
			t.Errorf("ParseLoopMode(%q) = %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"3", "-1", "all", ""} {
		if _, err := ParseLoopMode(in); err == nil {
			t.Errorf("ParseLoopMode(%q) expected error", in)
		}
	}
}

func TestParseTrackEndReason(t *testing.T) {
	t.Parallel()

	tests := map[string]TrackEndReason{
		"FINISHED":    TrackEndFinished,
		"finished":    TrackEndFinished,
		"loadFailed":  TrackEndLoadFailed,
		"LOAD_FAILED": TrackEndLoadFailed,
		"CLEAN_UP":    TrackEndCleanup,
		"cleanup":     TrackEndCleanup,
		"replaced":    TrackEndReplaced,
		"stopped":     TrackEndStopped,
	}
	for in, want := range tests {
		if got := ParseTrackEndReason(in); got != want {
			t.Errorf("ParseTrackEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTrackUnmarshal(t *testing.T) {
	t.Parallel()

	var tr Track
	if err := tr.UnmarshalJSON([]byte(`"QAAA"`)); err != nil || tr.Encoded != "QAAA" {
		t.Errorf("bare string: %+v, %v", tr, err)
	}
	if err := tr.UnmarshalJSON([]byte(`{"track":"QB","info":{"title":"x","length":1000}}`)); err != nil || tr.Encoded != "QB" || tr.Info.Duration().Seconds() != 1 {
		t.Errorf("v3 object: %+v, %v", tr, err)
	}
}
