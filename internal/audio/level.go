package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// LevelMeter tracks a smoothed signal level of captured PCM.
// It backs the producer's VU meter and reports whether the input is silent.
type LevelMeter struct {
	threshold float64 // level at or above which a block counts as active
	smoothing float64 // weight of the previous level, like an analyser time constant

	level         float64
	peak          float64
	totalBlocks   uint64
	activeBlocks  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// LevelReading is the result of processing one block of PCM
type LevelReading struct {
	Level     float64   `json:"level"` // smoothed RMS level, 0.0 - 1.0
	Peak      float64   `json:"peak"`  // absolute peak of the block, 0.0 - 1.0
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// Percent returns the level scaled for display, clamped to 100
func (r LevelReading) Percent() float64 {
	return math.Min(100, r.Level*200)
}

// LevelStats represents level meter statistics
type LevelStats struct {
	TotalBlocks      uint64    `json:"total_blocks"`
	ActiveBlocks     uint64    `json:"active_blocks"`
	ActivePercentage float64   `json:"active_percentage"`
	Level            float64   `json:"level"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float64   `json:"threshold"`
}

// NewLevelMeter creates a level meter
func NewLevelMeter(threshold, smoothing float64) (*LevelMeter, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1 (exclusive), got %f", smoothing)
	}

	return &LevelMeter{
		threshold: threshold,
		smoothing: smoothing,
	}, nil
}

// Process measures one block of 16-bit little-endian PCM
func (m *LevelMeter) Process(pcm []byte) LevelReading {
	var energy float64
	var peak float64

	samples := len(pcm) / 2
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		energy += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	current := 0.0
	if samples > 0 {
		current = math.Sqrt(energy / float64(samples))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalBlocks > 0 {
		current = m.smoothing*m.level + (1-m.smoothing)*current
	}
	m.level = current
	m.peak = peak

	active := current >= m.threshold
	m.totalBlocks++
	if active {
		m.activeBlocks++
	}
	m.lastProcessed = time.Now()

	return LevelReading{
		Level:     current,
		Peak:      peak,
		Active:    active,
		Timestamp: m.lastProcessed,
	}
}

// Level returns the current smoothed level
func (m *LevelMeter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// GetStats returns current level meter statistics
func (m *LevelMeter) GetStats() LevelStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	activePercentage := float64(0)
	if m.totalBlocks > 0 {
		activePercentage = float64(m.activeBlocks) / float64(m.totalBlocks) * 100
	}

	return LevelStats{
		TotalBlocks:      m.totalBlocks,
		ActiveBlocks:     m.activeBlocks,
		ActivePercentage: activePercentage,
		Level:            m.level,
		LastProcessed:    m.lastProcessed,
		Threshold:        m.threshold,
	}
}

// Reset resets the meter state and statistics
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = 0
	m.peak = 0
	m.totalBlocks = 0
	m.activeBlocks = 0
	m.lastProcessed = time.Time{}
}
