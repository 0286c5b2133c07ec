// Package device manages the stable per-instance identifier used to
// tell racing player instances apart.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity loads or mints a device ID backed by a state file. The ID
// survives process restarts but not removal of the state directory,
// which is acceptable: a regenerated ID just looks like a new device
// and loses any lease it held.
type Identity struct {
	path string
	now  func() time.Time
}

// New points the identity at a state directory.
func New(stateDir string) *Identity {
	return &Identity{
		path: filepath.Join(stateDir, "device_id"),
		now:  time.Now,
	}
}

// GetOrCreate returns the persisted device ID, minting one on first use.
func (i *Identity) GetOrCreate() (string, error) {
	raw, err := os.ReadFile(i.path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	// Timestamp plus random suffix: collisions are harmless (the later
	// claimant simply wins the shared lease), so no coordination needed.
	id := fmt.Sprintf("dev-%d-%s", i.now().UnixMilli(), uuid.NewString()[:8])

	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(i.path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}
