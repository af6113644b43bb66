package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/recorder"
)

func builtinSchemaVersion() string {
	return pss.Builtin().Version
}

// loadSchemaFlag returns the schema at path, or the built-in schema when
// path is empty.
func loadSchemaFlag(path string) (*pss.Schema, error) {
	if path == "" {
		return pss.Builtin(), nil
	}
	return pss.LoadSchemaFile(path)
}

// readDatagrams reads one datagram per line. Lines holding a capture entry
// contribute their payload; other non-empty lines are taken verbatim.
func readDatagrams(r io.Reader) ([]recorder.Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []recorder.Entry
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var e recorder.Entry
			if err := json.Unmarshal([]byte(line), &e); err == nil && e.Payload != "" {
				out = append(out, e)
				continue
			}
		}
		out = append(out, recorder.Entry{Payload: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read datagrams: %w", err)
	}
	return out, nil
}

func readDatagramFile(path string) ([]recorder.Entry, error) {
	if path == "-" {
		return readDatagrams(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return readDatagrams(f)
}
