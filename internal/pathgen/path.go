// Package pathgen derives recording paths for a match and programs them
// into OBS.
package pathgen

import (
	"strings"
	"time"
)

const (
	DefaultFormat = "mp4"

	dateLayout        = "2006-01-02"
	timeLayoutSeconds = "15-04-05"
	timeLayoutMinutes = "15-04"
)

// Config controls path generation.
type Config struct {
	VideosRoot            string `json:"videos_root"`
	DefaultFormat         string `json:"default_format"`
	IncludeMinutesSeconds bool   `json:"include_minutes_seconds"`
}

// MatchInfo is what the path is derived from.
type MatchInfo struct {
	MatchID    string `json:"match_id"`
	Tournament string `json:"tournament"`
	Day        string `json:"day"`
	Number     string `json:"number"`
	Athlete1   string `json:"athlete1"`
	Flag1      string `json:"flag1"`
	Athlete2   string `json:"athlete2"`
	Flag2      string `json:"flag2"`
}

// GeneratedPath is a derived recording location.
type GeneratedPath struct {
	MatchID     string    `json:"match_id,omitempty"`
	Directory   string    `json:"directory"`
	Filename    string    `json:"filename"`
	FullPath    string    `json:"full_path"`
	Format      string    `json:"format"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Stem is the filename without its extension.
func (g GeneratedPath) Stem() string {
	return strings.TrimSuffix(g.Filename, "."+g.Format)
}

var unsafe = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "|", "_",
	"?", "_", "*", "_", `\`, "_", "/", "_",
)

// Sanitize replaces path-hostile characters with underscores and trims
// surrounding whitespace. It is idempotent.
func Sanitize(s string) string {
	return strings.TrimSpace(unsafe.Replace(s))
}

// Generate derives the recording path for info at now. A videos root that
// uses backslashes keeps them for every appended component.
func Generate(cfg Config, info MatchInfo, now time.Time) GeneratedPath {
	format := strings.TrimPrefix(strings.TrimSpace(cfg.DefaultFormat), ".")
	if format == "" {
		format = DefaultFormat
	}
	sep := "/"
	if strings.Contains(cfg.VideosRoot, `\`) {
		sep = `\`
	}
	date := now.Format(dateLayout)

	tournament := Sanitize(info.Tournament)
	if tournament == "" {
		tournament = "Tournament_" + date
	}
	day := Sanitize(info.Day)
	if day == "" {
		day = "Day_" + date
	}

	dir := []string{tournament, day}
	if n := Sanitize(info.Number); n != "" {
		dir = append(dir, n)
	}
	directory := strings.Join(dir, sep)
	if root := strings.TrimRight(cfg.VideosRoot, `\/`); root != "" {
		directory = root + sep + directory
	} else if strings.HasPrefix(cfg.VideosRoot, "/") {
		directory = "/" + directory
	}

	clock := timeLayoutMinutes
	if cfg.IncludeMinutesSeconds {
		clock = timeLayoutSeconds
	}

	var parts []string
	if n := token(info.Number); n != "" {
		parts = append(parts, n)
	}
	p1, p2 := side(info.Athlete1, info.Flag1), side(info.Athlete2, info.Flag2)
	switch {
	case p1 != "" && p2 != "":
		parts = append(parts, p1, "vs", p2)
	case p1 != "":
		parts = append(parts, p1)
	case p2 != "":
		parts = append(parts, p2)
	}
	parts = append(parts, date, now.Format(clock))
	filename := strings.Join(parts, "_") + "." + format

	return GeneratedPath{
		MatchID:     info.MatchID,
		Directory:   directory,
		Filename:    filename,
		FullPath:    directory + sep + filename,
		Format:      format,
		GeneratedAt: now,
	}
}

// token sanitizes s for use inside a filename, where spaces become
// underscores.
func token(s string) string {
	return strings.Join(strings.Fields(Sanitize(s)), "_")
}

func side(name, flag string) string {
	n, f := token(name), token(flag)
	switch {
	case n != "" && f != "":
		return n + "_" + f
	case n != "":
		return n
	}
	return f
}
