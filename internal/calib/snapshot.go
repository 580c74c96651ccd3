package calib

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Snapshot file layout: 8-byte magic+version, 32-byte SHA-256 of the body,
// 8-byte body length, JSON body. A calibrated run can be resumed from a
// snapshot without repeating the warm-up phase.

var snapshotMagic = [8]byte{'H', 'Y', 'C', 'S', 'N', 'A', 'P', '1'}

// statsSnapshot is the serialized form of one operator's statistics.
type statsSnapshot struct {
	Channels   int       `json:"channels"`
	Min        []float32 `json:"min"`
	Max        []float32 `json:"max"`
	Seen       []bool    `json:"seen"`
	Iterations int       `json:"iterations"`
}

// snapshotBody is the serialized form of a full calibration state.
type snapshotBody struct {
	Threshold int                      `json:"iteration_threshold"`
	Step      int                      `json:"step"`
	Stats     map[string]statsSnapshot `json:"stats"`
}

// Snapshot captures the frozen statistics of named operators.
func (s *Stats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := statsSnapshot{
		Channels:   s.channels,
		Min:        append([]float32(nil), s.min...),
		Max:        append([]float32(nil), s.max...),
		Seen:       append([]bool(nil), s.seen...),
		Iterations: s.iters,
	}
	return out
}

// restore loads serialized state into frozen statistics.
func restore(snap statsSnapshot) *Stats {
	s := NewStats(snap.Channels)
	copy(s.min, snap.Min)
	copy(s.max, snap.Max)
	copy(s.seen, snap.Seen)
	s.iters = snap.Iterations
	s.frozen = true
	return s
}

// Save writes the controller's calibration state, with its registered
// statistics under the given names, to path. The order of names must match
// the registration order.
func (c *Controller) Save(path string, names []string) error {
	c.mu.Lock()
	body := snapshotBody{
		Threshold: c.threshold,
		Step:      c.step,
		Stats:     make(map[string]statsSnapshot, len(c.stats)),
	}
	stats := append([]*Stats(nil), c.stats...)
	c.mu.Unlock()

	if len(names) != len(stats) {
		return fmt.Errorf("snapshot: %d names for %d registered statistics", len(names), len(stats))
	}
	for i, s := range stats {
		body.Stats[names[i]] = s.snapshot()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("snapshot: encode body: %w", err)
	}

	buf := make([]byte, 0, 48+len(raw))
	buf = append(buf, snapshotMagic[:]...)
	sum := sha256.Sum256(raw)
	buf = append(buf, sum[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(raw)))
	buf = append(buf, raw...)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// Load reads a calibration snapshot. The returned statistics are frozen and
// keyed by the names they were saved under; the returned controller starts
// past its threshold, so every subsequent step is a training step.
func Load(path string) (*Controller, map[string]*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	if len(raw) < 48 || [8]byte(raw[:8]) != snapshotMagic {
		return nil, nil, fmt.Errorf("snapshot: %s is not a calibration snapshot", path)
	}
	var stored [32]byte
	copy(stored[:], raw[8:40])
	bodyLen := binary.LittleEndian.Uint64(raw[40:48])
	if uint64(len(raw)-48) != bodyLen {
		return nil, nil, fmt.Errorf("snapshot: truncated body in %s", path)
	}
	bodyRaw := raw[48:]
	if sha256.Sum256(bodyRaw) != stored {
		return nil, nil, fmt.Errorf("snapshot %s: %w", path, ErrChecksumMismatch)
	}

	var body snapshotBody
	if err := json.Unmarshal(bodyRaw, &body); err != nil {
		return nil, nil, fmt.Errorf("snapshot: decode body: %w", err)
	}

	ctrl, err := NewController(body.Threshold)
	if err != nil {
		return nil, nil, err
	}
	// Loaded statistics are frozen, so the controller must not hand out
	// calibration steps even if the snapshot was taken mid warm-up.
	ctrl.step = max(body.Step, body.Threshold)
	ctrl.frozen = true

	stats := make(map[string]*Stats, len(body.Stats))
	for name, snap := range body.Stats {
		s := restore(snap)
		stats[name] = s
		ctrl.Register(s)
	}
	return ctrl, stats, nil
}
