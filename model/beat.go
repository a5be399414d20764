package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"DrumRoom/core/pattern"
)

// scanJSON 把 JSON 列解到 dst，NULL 和空串都视为零值
func scanJSON(value interface{}, dst interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		return nil
	}
	return json.Unmarshal(bytes, dst)
}

// PatternData 每条轨道的音符(JSON)
type PatternData map[string][]pattern.Note

// Scan 实现 sql.Scanner 接口
func (p *PatternData) Scan(value interface{}) error {
	*p = nil
	return scanJSON(value, p)
}

// Value 实现 driver.Valuer 接口
func (p PatternData) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// TracksConfig 轨道列表(JSON)
type TracksConfig []pattern.Track

func (t *TracksConfig) Scan(value interface{}) error {
	*t = nil
	return scanJSON(value, t)
}

func (t TracksConfig) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// EffectsState 每条轨道的效果器参数(JSON)
type EffectsState map[string]pattern.TrackEffects

func (e *EffectsState) Scan(value interface{}) error {
	*e = nil
	return scanJSON(value, e)
}

func (e EffectsState) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

// Beat 用户保存的节拍
type Beat struct {
	ID           int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID       int64        `json:"userId" gorm:"index;not null"`
	Name         string       `json:"name" gorm:"size:100;not null"`
	PatternData  PatternData  `json:"patternData" gorm:"type:json"`
	TracksConfig TracksConfig `json:"tracksConfig" gorm:"type:json"`
	BPM          int          `json:"bpm" gorm:"default:120"`
	MeasureCount int          `json:"measureCount" gorm:"default:4"`
	EffectsState EffectsState `json:"effectsState,omitempty" gorm:"type:json"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// TableName 指定表名
func (Beat) TableName() string {
	return "beats"
}

// Document converts the stored beat into the shape the client loads.
func (b *Beat) Document() pattern.Document {
	return pattern.Document{
		Name:         b.Name,
		PatternData:  b.PatternData,
		TracksConfig: b.TracksConfig,
		BPM:          b.BPM,
		MeasureCount: b.MeasureCount,
		EffectsState: b.EffectsState,
	}
}

// SetDocument 用文档覆盖节拍内容，先规范化
func (b *Beat) SetDocument(doc pattern.Document) {
	normalized := pattern.DocumentFromState(doc.Name, doc.State())
	b.Name = normalized.Name
	b.PatternData = normalized.PatternData
	b.TracksConfig = normalized.TracksConfig
	b.BPM = normalized.BPM
	b.MeasureCount = normalized.MeasureCount
	b.EffectsState = normalized.EffectsState
}
