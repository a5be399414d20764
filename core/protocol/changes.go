package protocol

import (
	"fmt"

	"DrumRoom/core/pattern"
)

// ChangeFrom decodes the pattern change carried by a mutation request or by
// the broadcast a peer receives for it.
func ChangeFrom(msg *Message) (pattern.Change, error) {
	switch msg.Type {
	case TypePatternChange:
		var p PatternChangePayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if err := p.Change.Validate(); err != nil {
			return nil, err
		}
		return p.Change, nil

	case TypePatternUpdate:
		var c pattern.NoteChange
		if err := msg.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil

	case TypeSetBPM, TypeBPMChange:
		var p BPMPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.SetBPM{BPM: p.BPM}, nil

	case TypeSetMeasureCount, TypeMeasureCountChange:
		var p MeasureCountPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.SetMeasureCount{MeasureCount: p.MeasureCount}, nil

	case TypeTransportCommand:
		var p TransportPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return p.Command, nil

	case TypeTransportSync:
		var c pattern.TransportCommand
		if err := msg.Decode(&c); err != nil {
			return nil, err
		}
		return c, nil

	case TypeAddTrack, TypeTrackAdded:
		var p AddTrackPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.AddTrack{Track: p.TrackData.Track()}, nil

	case TypeRemoveTrack, TypeTrackRemoved:
		var p TrackPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.RemoveTrack{TrackID: p.TrackID}, nil

	case TypeUpdateTrackSound, TypeTrackSoundUpdated:
		var p TrackSoundPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.UpdateTrackSound{TrackID: p.TrackID, SoundFile: p.SoundFile}, nil

	case TypeUpdateTrackVolume, TypeTrackVolumeUpdated:
		var p TrackVolumePayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.UpdateTrackVolume{TrackID: p.TrackID, Volume: p.Volume}, nil

	case TypeEffectChainUpdate:
		var p EffectChainPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.EffectChainUpdate{TrackID: p.TrackID, Enabled: p.EnabledEffects}, nil

	case TypeEffectReset:
		var p TrackPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.EffectReset{TrackID: p.TrackID}, nil

	case TypeEffectStateApply:
		var p EffectStatePayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		return pattern.EffectStateApply{TrackID: p.TrackID, Effects: p.EffectsState}, nil
	}
	return nil, fmt.Errorf("message type %q carries no change", msg.Type)
}

// RequestFor returns the client request that asks the server to apply c.
func RequestFor(c pattern.Change) (MessageType, any, error) {
	switch c := c.(type) {
	case pattern.NoteChange:
		return TypePatternChange, PatternChangePayload{Change: c}, nil
	case pattern.SetBPM:
		return TypeSetBPM, BPMPayload{BPM: c.BPM}, nil
	case pattern.SetMeasureCount:
		return TypeSetMeasureCount, MeasureCountPayload{MeasureCount: c.MeasureCount}, nil
	case pattern.TransportCommand:
		return TypeTransportCommand, TransportPayload{Command: c}, nil
	case pattern.AddTrack:
		return TypeAddTrack, AddTrackPayload{TrackData: TrackDataFrom(c.Track)}, nil
	case pattern.RemoveTrack:
		return TypeRemoveTrack, TrackPayload{TrackID: c.TrackID}, nil
	case pattern.UpdateTrackSound:
		return TypeUpdateTrackSound, TrackSoundPayload{TrackID: c.TrackID, SoundFile: c.SoundFile}, nil
	case pattern.UpdateTrackVolume:
		return TypeUpdateTrackVolume, TrackVolumePayload{TrackID: c.TrackID, Volume: c.Volume}, nil
	case pattern.EffectChainUpdate:
		return TypeEffectChainUpdate, EffectChainPayload{TrackID: c.TrackID, EnabledEffects: c.Enabled}, nil
	case pattern.EffectReset:
		return TypeEffectReset, TrackPayload{TrackID: c.TrackID}, nil
	case pattern.EffectStateApply:
		return TypeEffectStateApply, EffectStatePayload{TrackID: c.TrackID, EffectsState: c.Effects}, nil
	}
	return "", nil, fmt.Errorf("unsupported change %T", c)
}

// BroadcastFor returns the broadcast peers receive once c has been applied;
// after is the room state that resulted from it. Clamped values are taken
// from after so every mirror stores the same number.
func BroadcastFor(c pattern.Change, after pattern.State) (MessageType, any, error) {
	switch c := c.(type) {
	case pattern.NoteChange:
		return TypePatternUpdate, c, nil
	case pattern.SetBPM:
		return TypeBPMChange, BPMPayload{BPM: after.BPM}, nil
	case pattern.SetMeasureCount:
		return TypeMeasureCountChange, MeasureCountPayload{MeasureCount: after.MeasureCount}, nil
	case pattern.TransportCommand:
		return TypeTransportSync, c, nil
	case pattern.AddTrack:
		return TypeTrackAdded, AddTrackPayload{TrackData: TrackDataFrom(c.Track)}, nil
	case pattern.RemoveTrack:
		return TypeTrackRemoved, TrackPayload{TrackID: c.TrackID}, nil
	case pattern.UpdateTrackSound:
		return TypeTrackSoundUpdated, TrackSoundPayload{TrackID: c.TrackID, SoundFile: c.SoundFile}, nil
	case pattern.UpdateTrackVolume:
		return TypeTrackVolumeUpdated, TrackVolumePayload{TrackID: c.TrackID, Volume: pattern.ClampVolume(c.Volume)}, nil
	case pattern.EffectChainUpdate:
		return TypeEffectChainUpdate, EffectChainPayload{TrackID: c.TrackID, EnabledEffects: c.Enabled}, nil
	case pattern.EffectReset:
		return TypeEffectReset, TrackPayload{TrackID: c.TrackID}, nil
	case pattern.EffectStateApply:
		return TypeEffectStateApply, EffectStatePayload{
			TrackID:        c.TrackID,
			EffectsState:   c.Effects,
			EnabledEffects: after.EnabledEffects[c.TrackID],
		}, nil
	}
	return "", nil, fmt.Errorf("unsupported change %T", c)
}
