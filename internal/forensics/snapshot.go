package forensics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time capture of an agent's full profile and the
// process environment, taken when enforcement kills the agent. Exported
// independently for post-mortem analysis.
type Snapshot struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Trigger     string            `json:"trigger"`
	Profile     json.RawMessage   `json:"profile"`
	Environment map[string]string `json:"environment"`
	Events      []Event           `json:"recent_events,omitempty"`
	TakenAt     time.Time         `json:"taken_at"`
}

// SnapshotManager captures and stores snapshots. Capture must never
// block or fail the enforcement action that triggered it: failures are
// logged, not propagated.
type SnapshotManager struct {
	mu        sync.RWMutex
	dir       string
	snapshots map[string][]*Snapshot // agentID → captures, oldest first
	timeline  *Timeline
}

// NewSnapshotManager stores snapshot artifacts under dir.
func NewSnapshotManager(dir string, timeline *Timeline) *SnapshotManager {
	return &SnapshotManager{
		dir:       dir,
		snapshots: make(map[string][]*Snapshot),
		timeline:  timeline,
	}
}

// Capture records a snapshot for the agent. profile is any serializable
// view of the drift profile; serialization failures degrade to a raw
// placeholder rather than losing the capture.
func (sm *SnapshotManager) Capture(agentID, trigger string, profile interface{}) *Snapshot {
	raw, err := json.Marshal(profile)
	if err != nil {
		slog.Warn("[Forensics] profile serialization failed, capturing placeholder",
			"agent_id", agentID, "error", err)
		raw = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}

	snap := &Snapshot{
		ID:      uuid.New().String(),
		AgentID: agentID,
		Trigger: trigger,
		Profile: raw,
		Environment: map[string]string{
			"go_version": runtime.Version(),
			"goos":       runtime.GOOS,
			"goarch":     runtime.GOARCH,
			"hostname":   hostname(),
		},
		TakenAt: time.Now(),
	}
	if sm.timeline != nil {
		snap.Events = sm.timeline.AgentEvents(agentID, 50)
	}

	sm.mu.Lock()
	sm.snapshots[agentID] = append(sm.snapshots[agentID], snap)
	sm.mu.Unlock()

	if err := sm.writeArtifact(snap); err != nil {
		slog.Warn("[Forensics] snapshot artifact write failed",
			"agent_id", agentID, "snapshot_id", snap.ID, "error", err)
	}
	return snap
}

// ForAgent returns copies of the agent's snapshots, oldest first.
func (sm *SnapshotManager) ForAgent(agentID string) []Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Snapshot, 0, len(sm.snapshots[agentID]))
	for _, s := range sm.snapshots[agentID] {
		out = append(out, *s)
	}
	return out
}

// Export writes every snapshot for the agent, chained with the agent's
// full timeline, into one JSON artifact at path.
func (sm *SnapshotManager) Export(agentID, path string) error {
	sm.mu.RLock()
	snaps := make([]*Snapshot, len(sm.snapshots[agentID]))
	copy(snaps, sm.snapshots[agentID])
	sm.mu.RUnlock()

	bundle := struct {
		AgentID    string      `json:"agent_id"`
		ExportedAt time.Time   `json:"exported_at"`
		Snapshots  []*Snapshot `json:"snapshots"`
		Timeline   []Event     `json:"timeline"`
	}{
		AgentID:    agentID,
		ExportedAt: time.Now(),
		Snapshots:  snaps,
	}
	if sm.timeline != nil {
		bundle.Timeline = sm.timeline.AgentEvents(agentID, 0)
	}

	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal forensic bundle: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write forensic bundle: %w", err)
	}

	slog.Info("[Forensics] exported agent bundle",
		"agent_id", agentID, "path", path, "snapshots", len(snaps))
	return nil
}

// writeArtifact persists one snapshot keyed by agent and trigger.
func (sm *SnapshotManager) writeArtifact(snap *Snapshot) error {
	if sm.dir == "" {
		return nil
	}
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%s.json", snap.AgentID, snap.Trigger, snap.ID)
	return os.WriteFile(filepath.Join(sm.dir, name), raw, 0o644)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
