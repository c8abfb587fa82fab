package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const handshakeFileName = "server-info.json"
const handshakeFilePerm = 0o600

// Handshake is the discoverable rendezvous published at
// <vault-dir>/server-info.json once the access server binds a port.
type Handshake struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken"`
	PID       int    `json:"pid"`
}

func handshakePath(dir string) string { return filepath.Join(dir, handshakeFileName) }

func writeHandshake(dir string, h Handshake) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("server: marshal handshake: %w", err)
	}

	path := handshakePath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, handshakeFilePerm); err != nil {
		return fmt.Errorf("server: write handshake: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("server: rename handshake: %w", err)
	}
	return os.Chmod(path, handshakeFilePerm)
}

func removeHandshake(dir string) error {
	err := os.Remove(handshakePath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("server: remove handshake: %w", err)
	}
	return nil
}

// ReadHandshake loads the handshake file from dir. This is the reader
// half of the contract: secretctl uses it to discover a running
// secretd before issuing authenticated requests.
func ReadHandshake(dir string) (*Handshake, error) {
	data, err := os.ReadFile(handshakePath(dir))
	if err != nil {
		return nil, err
	}
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("server: parse handshake: %w", err)
	}
	return &h, nil
}

// Alive reports whether the process named in the handshake is still
// running, using a signal-0 liveness probe. A stale handshake file
// (process gone) must be treated as "server not running".
func (h *Handshake) Alive() bool {
	if h == nil || h.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(h.PID)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; sending signal 0 probes
	// liveness without actually signaling the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
