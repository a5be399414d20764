package pattern

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	TicksPerBeat    = 480
	BeatsPerMeasure = 4

	MinVelocity     = 1
	MaxVelocity     = 4
	DefaultVelocity = MaxVelocity
)

// Note 单个音符，tick 为网格位置，velocity 为 1-4 的力度
type Note struct {
	Tick     int `json:"tick"`
	Velocity int `json:"velocity"`
}

// ClampVelocity 将力度限制在 [1,4]，0 或缺省视为默认力度
func ClampVelocity(v int) int {
	if v == 0 {
		return DefaultVelocity
	}
	if v < MinVelocity {
		return MinVelocity
	}
	if v > MaxVelocity {
		return MaxVelocity
	}
	return v
}

// NormalizeNote accepts both the legacy bare-integer tick and the
// {tick, velocity} object and returns the canonical Note.
func NormalizeNote(raw json.RawMessage) (Note, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Note{}, fmt.Errorf("empty note")
	}

	if raw[0] != '{' {
		var tick float64
		if err := json.Unmarshal(raw, &tick); err != nil {
			return Note{}, fmt.Errorf("invalid legacy note %s: %w", raw, err)
		}
		return Note{Tick: int(tick), Velocity: DefaultVelocity}, nil
	}

	var obj struct {
		Tick     *float64 `json:"tick"`
		Velocity float64  `json:"velocity"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Note{}, fmt.Errorf("invalid note %s: %w", raw, err)
	}
	if obj.Tick == nil {
		return Note{}, fmt.Errorf("note without tick: %s", raw)
	}
	return Note{Tick: int(*obj.Tick), Velocity: ClampVelocity(int(obj.Velocity))}, nil
}

// UnmarshalJSON routes every decoded note through NormalizeNote.
func (n *Note) UnmarshalJSON(data []byte) error {
	note, err := NormalizeNote(data)
	if err != nil {
		return err
	}
	*n = note
	return nil
}

// TotalTicks returns the loop length in ticks for a measure count.
func TotalTicks(measureCount int) int {
	return TicksPerBeat * BeatsPerMeasure * ClampMeasureCount(measureCount)
}

// clampTick 将 tick 限制在 [0, total)
func clampTick(tick, total int) int {
	if tick < 0 {
		return 0
	}
	if tick >= total {
		return total - 1
	}
	return tick
}

func indexOfTick(notes []Note, tick int) int {
	for i, n := range notes {
		if n.Tick == tick {
			return i
		}
	}
	return -1
}

// findNote 先按原始 tick 查找（循环缩短后保留的音符仍可寻址），
// 找不到再按 add-note 的规则截断后查找
func findNote(notes []Note, tick, total int) int {
	if i := indexOfTick(notes, tick); i >= 0 {
		return i
	}
	if clamped := clampTick(tick, total); clamped != tick {
		return indexOfTick(notes, clamped)
	}
	return -1
}
