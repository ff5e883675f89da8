// Package trust implements trust-on-first-use certificate pinning for client
// connections and self-signed certificate management for the server.
package trust

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists trusted peer fingerprints as a text file, one line per peer:
// "<host:port> <hex fingerprint>".
type Store struct {
	path string
	mu   sync.Mutex
	pins map[string]string
}

// OpenStore loads the trust store at path, creating an empty one if the file
// does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, pins: make(map[string]string)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, fingerprint, ok := strings.Cut(line, " ")
		if !ok {
			continue // skip malformed lines rather than refusing to load
		}
		s.pins[addr] = strings.TrimSpace(fingerprint)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trust store: %w", err)
	}

	return s, nil
}

// Lookup returns the pinned fingerprint for host:port, if any.
func (s *Store) Lookup(addr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.pins[addr]
	return fp, ok
}

// Pin records (or replaces) the fingerprint for host:port and persists the
// store to disk.
func (s *Store) Pin(addr, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[addr] = fingerprint
	return s.save()
}

// save writes all pins to a temp file and renames it into place. Caller holds
// the lock.
func (s *Store) save() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create trust store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write trust store: %w", err)
	}

	w := bufio.NewWriter(f)
	for addr, fp := range s.pins {
		fmt.Fprintf(w, "%s %s\n", addr, fp)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write trust store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write trust store: %w", err)
	}

	return os.Rename(tmp, s.path)
}
