package pss

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed schemas/wt_pss_v2.3.txt
var builtinSchema []byte

// Builtin returns the embedded WT PSS v2.3 schema.
func Builtin() *Schema {
	s, err := ParseSchemaText(builtinSchema)
	if err != nil {
		panic(fmt.Sprintf("embedded schema is invalid: %v", err))
	}
	return s
}

// LoadSchemaFile reads a schema from path. JSON and YAML forms are chosen by
// extension or, for JSON, by a leading '{'; anything else is the text form.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var s *Schema
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".json" || bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")):
		s, err = ParseSchemaJSON(data)
	case ext == ".yaml" || ext == ".yml":
		s, err = ParseSchemaYAML(data)
	default:
		s, err = ParseSchemaText(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return s, nil
}

// ParseSchemaJSON parses the JSON form.
func ParseSchemaJSON(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseSchemaYAML parses the YAML form, which has the same fields as JSON.
func ParseSchemaYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseSchemaText parses the text form:
//
//	# Version: 2.3
//	POINTS = punch:1,body:2
//	CLOCK;time;[action]
//	EXAMPLE: CLOCK;1:30;start
func ParseSchemaText(data []byte) (*Schema, error) {
	s := &Schema{
		Streams:  make(map[string]StreamDef),
		Metadata: make(map[string]string),
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			parseHeaderComment(s, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}

		if rest, ok := cutPrefixFold(line, "EXAMPLE:"); ok {
			s.Examples = append(s.Examples, strings.TrimSpace(rest))
			continue
		}

		if key, value, ok := strings.Cut(line, "="); ok && !strings.Contains(key, ";") {
			if err := parseTable(s, strings.TrimSpace(key), value); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			continue
		}

		def, err := parseStreamLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if _, dup := s.Streams[def.ID]; dup {
			return nil, fmt.Errorf("line %d: duplicate stream %s", lineNum, def.ID)
		}
		s.Streams[def.ID] = def
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan schema: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseHeaderComment(s *Schema, comment string) {
	key, value, ok := strings.Cut(comment, ":")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || strings.ContainsAny(key, " \t") {
		return
	}
	switch strings.ToLower(key) {
	case "version":
		s.Version = value
	case "year":
		s.Year = value
	case "description":
		s.Description = value
	case "unknownfields", "unknown_fields":
		s.UnknownFields = Policy(strings.ToLower(value))
	case "maxpacketsize", "max_packet_size":
		if n, err := strconv.Atoi(value); err == nil {
			s.MaxPacketSize = n
		}
	default:
		s.Metadata[key] = value
	}
}

func parseTable(s *Schema, key, value string) error {
	if !strings.EqualFold(key, "POINTS") {
		s.Metadata[key] = strings.TrimSpace(value)
		return nil
	}
	if s.PointValues == nil {
		s.PointValues = make(map[string]int)
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, num, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("points entry %q: expected name:value", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			return fmt.Errorf("points entry %q: %w", pair, err)
		}
		s.PointValues[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return nil
}

func parseStreamLine(line string) (StreamDef, error) {
	parts := strings.Split(line, ";")
	id := normalizeStreamID(parts[0])
	if id == "" {
		return StreamDef{}, fmt.Errorf("stream line %q has no identifier", line)
	}
	def := StreamDef{ID: id}
	for _, raw := range parts[1:] {
		f := strings.TrimSpace(raw)
		if f == "" {
			continue
		}
		if strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]") {
			def.Optional = append(def.Optional, strings.TrimSpace(f[1:len(f)-1]))
			continue
		}
		if len(def.Optional) > 0 {
			return StreamDef{}, fmt.Errorf("stream %s: required field %q after optional fields", id, f)
		}
		def.Required = append(def.Required, f)
	}
	return def, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
