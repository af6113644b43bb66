package pathgen

import (
	"strings"
	"testing"
	"time"
)

var wallClock = time.Date(2024, 5, 3, 14, 22, 7, 0, time.UTC)

func TestGenerate_WindowsRoot(t *testing.T) {
	cfg := Config{VideosRoot: `C:\Videos`, DefaultFormat: "mp4", IncludeMinutesSeconds: true}
	info := MatchInfo{
		Tournament: "WC 2024",
		Day:        "Day 1",
		Number:     "101",
		Athlete1:   "N. DESMOND",
		Flag1:      "MRN",
		Athlete2:   "M. THIBAULT",
		Flag2:      "SUI",
	}

	got := Generate(cfg, info, wallClock)

	if want := `C:\Videos\WC 2024\Day 1\101`; got.Directory != want {
		t.Errorf("directory = %q, want %q", got.Directory, want)
	}
	if want := "101_N._DESMOND_MRN_vs_M._THIBAULT_SUI_2024-05-03_14-22-07.mp4"; got.Filename != want {
		t.Errorf("filename = %q, want %q", got.Filename, want)
	}
	if got.FullPath != got.Directory+`\`+got.Filename {
		t.Errorf("full path = %q", got.FullPath)
	}
	if got.Stem() != "101_N._DESMOND_MRN_vs_M._THIBAULT_SUI_2024-05-03_14-22-07" {
		t.Errorf("stem = %q", got.Stem())
	}
}

func TestGenerate_DatedDefaultsAndMinutes(t *testing.T) {
	cfg := Config{VideosRoot: "/srv/videos/", DefaultFormat: ".mkv"}
	got := Generate(cfg, MatchInfo{Number: "7", Athlete1: "LEE"}, wallClock)

	if want := "/srv/videos/Tournament_2024-05-03/Day_2024-05-03/7"; got.Directory != want {
		t.Errorf("directory = %q, want %q", got.Directory, want)
	}
	if want := "7_LEE_2024-05-03_14-22.mkv"; got.Filename != want {
		t.Errorf("filename = %q, want %q", got.Filename, want)
	}
}

func TestGenerate_SanitizesComponents(t *testing.T) {
	cfg := Config{VideosRoot: "videos", IncludeMinutesSeconds: true}
	info := MatchInfo{Tournament: " Open: A/B ", Day: "Day*2", Number: "1?", Athlete1: `K<1>`, Athlete2: `J"2"`}
	got := Generate(cfg, info, wallClock)

	if want := "videos/Open_ A_B/Day_2/1_"; got.Directory != want {
		t.Errorf("directory = %q, want %q", got.Directory, want)
	}
	if strings.ContainsAny(got.Filename, `<>:"|?*\/ `) {
		t.Errorf("filename not sanitized: %q", got.Filename)
	}
	if got.Format != DefaultFormat {
		t.Errorf("format = %q", got.Format)
	}
}

func TestGenerate_StableUnderFixedClock(t *testing.T) {
	cfg := Config{VideosRoot: `D:\rec`, IncludeMinutesSeconds: true}
	info := MatchInfo{Number: "3", Athlete1: "A", Athlete2: "B"}
	if Generate(cfg, info, wallClock) != Generate(cfg, info, wallClock) {
		t.Error("generation is not deterministic")
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		`a<b>c:d"e|f?g*h\i/j`: "a_b_c_d_e_f_g_h_i_j",
		"  padded  ":           "padded",
		"WC 2024":              "WC 2024",
		"":                     "",
	}
	for in, want := range cases {
		got := Sanitize(in)
		if got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
		if again := Sanitize(got); again != got {
			t.Errorf("Sanitize not idempotent for %q: %q", in, again)
		}
	}
}
