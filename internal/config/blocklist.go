package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const blocklistDelimiter = "|"
const blocklistFields = 3 // name|reason|reportedAt

// BadConnection is one operator-reported entry: a worker name a client
// believed was compromised, plus why and when.
type BadConnection struct {
	Name       string    `json:"name"`
	Reason     string    `json:"reason"`
	ReportedAt time.Time `json:"reported_at"`
}

// Blocklist is the flat-file-backed store behind POST /report_bad and
// GET /bad_connections. It is purely advisory bookkeeping: appending an
// entry here has no effect on pool state by itself (§1, out of scope).
type Blocklist struct {
	path string
	mu   sync.Mutex
}

// NewBlocklist returns a Blocklist backed by the text file at path. The file
// is created on first Report if it does not already exist.
func NewBlocklist(path string) *Blocklist {
	return &Blocklist{path: path}
}

// Report appends a bad-connection entry to the blocklist file.
func (b *Blocklist) Report(name, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open blocklist %q: %w", b.path, err)
	}
	defer f.Close()

	line := strings.Join([]string{
		name,
		strings.ReplaceAll(reason, blocklistDelimiter, " "),
		strconv.FormatInt(time.Now().Unix(), 10),
	}, blocklistDelimiter)

	_, err = f.WriteString(line + "\n")
	return err
}

// List returns every entry currently recorded in the blocklist file, in the
// order they were reported.
func (b *Blocklist) List() ([]BadConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !fileExists(b.path) {
		return nil, nil
	}

	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open blocklist %q: %w", b.path, err)
	}
	defer f.Close()

	var entries []BadConnection
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, blocklistDelimiter)
		if len(fields) != blocklistFields {
			continue
		}
		reportedUnix, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, BadConnection{
			Name:       fields[0],
			Reason:     fields[1],
			ReportedAt: time.Unix(reportedUnix, 0).UTC(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
