package pattern

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EffectType 效果器类型
type EffectType string

const (
	EffectEQ         EffectType = "eq"
	EffectFilter     EffectType = "filter"
	EffectCompressor EffectType = "compressor"
	EffectChorus     EffectType = "chorus"
	EffectVibrato    EffectType = "vibrato"
	EffectDistortion EffectType = "distortion"
	EffectPitchShift EffectType = "pitchShift"
	EffectReverb     EffectType = "reverb"
	EffectDelay      EffectType = "delay"
)

// EffectTypes lists every effect type in chain order.
var EffectTypes = []EffectType{
	EffectEQ, EffectFilter, EffectCompressor, EffectChorus, EffectVibrato,
	EffectDistortion, EffectPitchShift, EffectReverb, EffectDelay,
}

// Bundle 单个效果器的参数集合，数值参数为 float64，枚举参数为 string
type Bundle map[string]any

// TrackEffects 一个轨道的全部效果器参数
type TrackEffects map[EffectType]Bundle

// EnabledSet 一个轨道当前启用的效果器
type EnabledSet map[EffectType]bool

// DefaultEffects returns a fresh copy of the "disabled" parameters.
func DefaultEffects() TrackEffects {
	return TrackEffects{
		EffectEQ:         {"high": 0.0, "mid": 0.0, "low": 0.0},
		EffectFilter:     {"frequency": 20000.0, "Q": 1.0},
		EffectCompressor: {"threshold": -24.0, "ratio": 4.0, "attack": 0.01, "release": 0.1},
		EffectChorus:     {"rate": 1.0, "depth": 0.0, "wet": 0.0},
		EffectVibrato:    {"rate": 5.0, "depth": 0.0, "wet": 0.0},
		EffectDistortion: {"amount": 0.0, "oversample": "2x"},
		EffectPitchShift: {"pitch": 0.0, "windowSize": 0.05, "wet": 0.0},
		EffectReverb:     {"roomSize": 0.5, "decay": 1.5, "wet": 0.0},
		EffectDelay:      {"delayTime": 0.25, "feedback": 0.3, "wet": 0.0},
	}
}

type paramRule struct {
	min, max float64
	options  []string
}

var effectRules = map[EffectType]map[string]paramRule{
	EffectEQ: {
		"high": {min: -12, max: 12},
		"mid":  {min: -12, max: 12},
		"low":  {min: -12, max: 12},
	},
	EffectFilter: {
		"frequency": {min: 100, max: 20000},
		"Q":         {min: 0.1, max: 30},
	},
	EffectCompressor: {
		"threshold": {min: -60, max: 0},
		"ratio":     {min: 1, max: 20},
		"attack":    {min: 0, max: 0.1},
		"release":   {min: 0.01, max: 1},
	},
	EffectChorus: {
		"rate":  {min: 0.1, max: 10},
		"depth": {min: 0, max: 1},
		"wet":   {min: 0, max: 1},
	},
	EffectVibrato: {
		"rate":  {min: 0.1, max: 20},
		"depth": {min: 0, max: 1},
		"wet":   {min: 0, max: 1},
	},
	EffectDistortion: {
		"amount":     {min: 0, max: 1},
		"oversample": {options: []string{"2x", "4x"}},
	},
	EffectPitchShift: {
		"pitch":      {min: -12, max: 12},
		"windowSize": {min: 0.01, max: 0.1},
		"wet":        {min: 0, max: 1},
	},
	EffectReverb: {
		"roomSize": {min: 0.1, max: 0.9},
		"decay":    {min: 0.1, max: 10},
		"wet":      {min: 0, max: 1},
	},
	EffectDelay: {
		"delayTime": {min: 0.01, max: 1},
		"feedback":  {min: 0, max: 0.95},
		"wet":       {min: 0, max: 1},
	},
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	return okA && okB && sa == sb
}

// ValidateParam checks a single parameter against the range table.
func ValidateParam(effect EffectType, param string, value any) error {
	rules, ok := effectRules[effect]
	if !ok {
		return fmt.Errorf("unknown effect type: %s", effect)
	}
	rule, ok := rules[param]
	if !ok {
		return fmt.Errorf("unknown parameter: %s for effect %s", param, effect)
	}

	if rule.options != nil {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s.%s must be one of %v", effect, param, rule.options)
		}
		for _, opt := range rule.options {
			if s == opt {
				return nil
			}
		}
		return fmt.Errorf("%s.%s must be one of %v, got %q", effect, param, rule.options, s)
	}

	f, ok := toFloat(value)
	if !ok || math.IsNaN(f) {
		return fmt.Errorf("%s.%s must be a number", effect, param)
	}
	if f < rule.min || f > rule.max {
		return fmt.Errorf("%s.%s must be between %g and %g, got %g", effect, param, rule.min, rule.max, f)
	}
	return nil
}

// ValidateEffects returns every violation found in a (possibly partial)
// effects state; an empty slice means it is valid.
func ValidateEffects(effects TrackEffects) []string {
	var errs []string
	types := make([]string, 0, len(effects))
	for t := range effects {
		types = append(types, string(t))
	}
	sort.Strings(types)

	for _, t := range types {
		effect := EffectType(t)
		if _, ok := effectRules[effect]; !ok {
			errs = append(errs, fmt.Sprintf("unknown effect type: %s", effect))
			continue
		}
		params := make([]string, 0, len(effects[effect]))
		for p := range effects[effect] {
			params = append(params, p)
		}
		sort.Strings(params)
		for _, p := range params {
			if err := ValidateParam(effect, p, effects[effect][p]); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	return errs
}

// normalizeBundle 以默认值为底合并参数，数值统一为 float64
func normalizeBundle(effect EffectType, b Bundle) Bundle {
	out := Bundle{}
	for k, v := range DefaultEffects()[effect] {
		out[k] = v
	}
	for k, v := range b {
		if _, known := out[k]; !known {
			continue
		}
		if f, ok := toFloat(v); ok {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

// IsDefault reports whether the bundle equals the effect's defaults.
func (b Bundle) IsDefault(effect EffectType) bool {
	def := DefaultEffects()[effect]
	for k, v := range def {
		got, ok := b[k]
		if ok && !sameValue(got, v) {
			return false
		}
	}
	return true
}

// Clone 深拷贝
func (b Bundle) Clone() Bundle {
	if b == nil {
		return nil
	}
	out := make(Bundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (e TrackEffects) Clone() TrackEffects {
	if e == nil {
		return nil
	}
	out := make(TrackEffects, len(e))
	for k, v := range e {
		out[k] = v.Clone()
	}
	return out
}

func (s EnabledSet) Clone() EnabledSet {
	out := make(EnabledSet, len(s))
	for k, v := range s {
		if v {
			out[k] = true
		}
	}
	return out
}

// Effective resolves the parameters an audio engine should use: enabled
// effects use their bundle, everything else falls back to defaults.
func Effective(effects TrackEffects, enabled EnabledSet) TrackEffects {
	out := DefaultEffects()
	for _, t := range EffectTypes {
		if enabled[t] {
			if b, ok := effects[t]; ok {
				out[t] = normalizeBundle(t, b)
			}
		}
	}
	return out
}

// enabledFrom 计算与默认值不同的效果器集合
func enabledFrom(effects TrackEffects) EnabledSet {
	out := EnabledSet{}
	for t, b := range effects {
		if !b.IsDefault(t) {
			out[t] = true
		}
	}
	return out
}
