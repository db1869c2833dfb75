package metrics

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

type SkipCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type TileInfo struct {
	TileID    string         `json:"tile_id"`
	NumTrees  int            `json:"num_trees"`
	Extracted int            `json:"extracted"`
	Imputed   int            `json:"imputed"`
	Skipped   map[string]int `json:"-"`
	Skips     []SkipCount    `json:"skipped"`
	BytesRead int64          `json:"bytes_read"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type MetricsInfo struct {
	RunID     string    `json:"run_id"`
	StartTime string    `json:"start_time"`
	Mode      string    `json:"mode"`
	Tile      *TileInfo `json:"tile"`
}

// MetricsCollector accumulates the metrics of a single tile task.
type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
	start  time.Time
}

func NewMetricsCollector(logger Logger, runID, mode string) *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		Info: &MetricsInfo{
			RunID:     runID,
			StartTime: now.UTC().Format(time.RFC3339),
			Mode:      mode,
			Tile:      &TileInfo{Skipped: make(map[string]int)},
		},
		logger: logger,
		start:  now,
	}
}

// Log stamps the task duration and hands the record to the logger.
func (m *MetricsCollector) Log() {
	m.Info.Tile.Duration = time.Since(m.start)
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseSkips()

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(i)
	if err == nil {
		return buf.String(), nil
	} else {
		return "", err
	}
}

// normaliseSkips flattens the skip map into a list sorted by reason so
// that records are stable across runs.
func (i *MetricsInfo) normaliseSkips() {
	if i.Tile == nil {
		return
	}
	i.Tile.Skips = make([]SkipCount, 0, len(i.Tile.Skipped))
	for reason, n := range i.Tile.Skipped {
		i.Tile.Skips = append(i.Tile.Skips, SkipCount{Reason: reason, Count: n})
	}
	sort.Slice(i.Tile.Skips, func(a, b int) bool {
		return i.Tile.Skips[a].Reason < i.Tile.Skips[b].Reason
	})
}
