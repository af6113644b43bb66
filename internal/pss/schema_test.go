package pss

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestBuiltin(t *testing.T) {
	s := Builtin()
	if s.Version != "2.3" || s.Year != "2023" {
		t.Errorf("version/year = %q/%q", s.Version, s.Year)
	}
	if s.UnknownFields != PolicyWarn {
		t.Errorf("policy = %q", s.UnknownFields)
	}
	def, ok := s.Stream("athlete")
	if !ok {
		t.Fatal("ATHLETE stream missing")
	}
	if len(def.Required) != 3 || len(def.Optional) != 4 {
		t.Errorf("athlete def = %+v", def)
	}
	if v, _ := s.PointValue("head_tech"); v != 5 {
		t.Errorf("head_tech = %d", v)
	}
}

func TestPointValue(t *testing.T) {
	s := Builtin()
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"punch", 1, true},
		{"BODY", 2, true},
		{"-1", -1, true},
		{"3", 3, true},
		{"kick", 0, false},
	}
	for _, tt := range tests {
		got, ok := s.PointValue(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PointValue(%q) = %d,%v want %d,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseSchemaText_Errors(t *testing.T) {
	tests := map[string]string{
		"no version":         "POINTS;athlete;point_type\n",
		"no streams":         "# Version: 1\n",
		"duplicate stream":   "# Version: 1\nA;x\nA;y\n",
		"duplicate field":    "# Version: 1\nA;x;[x]\n",
		"required after opt": "# Version: 1\nA;[x];y\n",
		"bad points":         "# Version: 1\nPOINTS = punch\nA;x\n",
		"bad policy":         "# Version: 1\n# UnknownFields: explode\nA;x\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSchemaText([]byte(body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseSchemaText_Metadata(t *testing.T) {
	s, err := ParseSchemaText([]byte("# Version: 3.0\n# Venue: Paris\n# just a comment\nVENUE = Hall A\nA;x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Metadata["Venue"] != "Paris" || s.Metadata["VENUE"] != "Hall A" {
		t.Errorf("metadata = %v", s.Metadata)
	}
	if len(s.PointValues) != 5 {
		t.Errorf("expected default point table, got %v", s.PointValues)
	}
}

func TestLoadSchemaFile_Forms(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"schema.json": `{"version":"2.3","streams":{"points":{"required":["athlete","point_type"]}},"point_values":{"Punch":7},"unknown_fields":"error"}`,
		"schema.yaml": "version: \"2.3\"\nstreams:\n  POINTS:\n    required: [athlete, point_type]\npoint_values:\n  punch: 7\nunknown_fields: error\n",
		"schema.txt":  "# Version: 2.3\n# UnknownFields: error\nPOINTS = punch:7\nPOINTS;athlete;point_type\n",
		"schema.dat":  `  {"version":"2.3","streams":{"POINTS":{"required":["athlete","point_type"]}},"point_values":{"punch":7},"unknown_fields":"error"}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			s, err := LoadSchemaFile(path)
			if err != nil {
				t.Fatalf("LoadSchemaFile: %v", err)
			}
			if s.Version != "2.3" || s.UnknownFields != PolicyError {
				t.Errorf("version/policy = %q/%q", s.Version, s.UnknownFields)
			}
			if _, ok := s.Stream("POINTS"); !ok {
				t.Error("POINTS missing")
			}
			if v, _ := s.PointValue("punch"); v != 7 {
				t.Errorf("punch = %d", v)
			}
		})
	}
}

func TestLoadSchemaFile_Missing(t *testing.T) {
	if _, err := LoadSchemaFile(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("expected error")
	}
}

func TestHolder_AtomicSwap(t *testing.T) {
	a := Builtin()
	b := a.WithPolicy(PolicyIgnore)
	h := NewHolder(a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if s := h.Load(); s != a && s != b {
					t.Error("observed a schema that was never installed")
					return
				}
			}
		}()
	}
	if prev := h.Swap(b); prev != a {
		t.Error("Swap should return previous schema")
	}
	wg.Wait()
	if h.Load() != b {
		t.Error("expected swapped schema")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyWarn {
		t.Errorf("empty policy = %q %v", p, err)
	}
	if p, err := ParsePolicy("IGNORE"); err != nil || p != PolicyIgnore {
		t.Errorf("IGNORE = %q %v", p, err)
	}
	if _, err := ParsePolicy("nope"); err == nil {
		t.Error("expected error")
	}
}

func TestWithMaxPacketSize(t *testing.T) {
	base := Builtin()
	small := base.WithMaxPacketSize(64)
	if small.MaxPacketSize != 64 {
		t.Errorf("MaxPacketSize = %d, want 64", small.MaxPacketSize)
	}
	if base.MaxPacketSize != DefaultMaxPacketSize {
		t.Errorf("original modified: %d", base.MaxPacketSize)
	}
	if same := base.WithMaxPacketSize(0); same.MaxPacketSize != base.MaxPacketSize {
		t.Errorf("zero should keep bound, got %d", same.MaxPacketSize)
	}
}
