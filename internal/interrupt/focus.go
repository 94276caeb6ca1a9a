package interrupt

import (
	"fmt"
	"strings"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
)

// FocusEntry is the outcome of comparing an existing owner with an incoming
// request.
type FocusEntry struct {
	ActionOn  ActionTarget
	Hint      Hint
	ForceType ForceType
	IsReject  bool
}

type focusPair struct {
	existing AudioFocusType
	incoming AudioFocusType
}

// FocusTable holds the compatibility rules. Pairs without a rule proceed
// side by side. A table is immutable once handed to a Service.
type FocusTable struct {
	rules map[focusPair]FocusEntry
}

func NewFocusTable() *FocusTable {
	return &FocusTable{rules: make(map[focusPair]FocusEntry)}
}

// Set adds or replaces the rule for (existing, incoming).
func (t *FocusTable) Set(existing, incoming AudioFocusType, e FocusEntry) {
	t.rules[focusPair{existing, incoming}] = e
}

// Lookup returns the rule for (existing, incoming).
func (t *FocusTable) Lookup(existing, incoming AudioFocusType) (FocusEntry, bool) {
	if t == nil {
		return FocusEntry{}, false
	}
	e, ok := t.rules[focusPair{existing, incoming}]
	return e, ok
}

func (t *FocusTable) Len() int { return len(t.rules) }

func play(st audiotype.StreamType) AudioFocusType {
	return AudioFocusType{StreamType: st, IsPlay: true}
}

func capture(src audiotype.SourceType) AudioFocusType {
	return AudioFocusType{SourceType: src}
}

// DefaultFocusTable is a starting rule set. Deployments replace it through
// the focus_rules configuration.
func DefaultFocusTable() *FocusTable {
	t := NewFocusTable()
	pauseCurrent := FocusEntry{ActionOn: ActionCurrent, Hint: HintPause, ForceType: ForceForce}
	duckCurrent := FocusEntry{ActionOn: ActionCurrent, Hint: HintDuck, ForceType: ForceForce}
	stopCurrent := FocusEntry{ActionOn: ActionCurrent, Hint: HintStop, ForceType: ForceForce}
	pauseIncoming := FocusEntry{ActionOn: ActionIncoming, Hint: HintPause, ForceType: ForceForce}
	duckIncoming := FocusEntry{ActionOn: ActionIncoming, Hint: HintDuck, ForceType: ForceForce}
	reject := FocusEntry{ActionOn: ActionIncoming, Hint: HintNone, ForceType: ForceForce, IsReject: true}

	media := []audiotype.StreamType{audiotype.StreamMusic, audiotype.StreamMovie, audiotype.StreamGame, audiotype.StreamSpeech}
	for _, existing := range media {
		for _, incoming := range media {
			t.Set(play(existing), play(incoming), pauseCurrent)
		}
		t.Set(play(existing), play(audiotype.StreamRing), duckCurrent)
		t.Set(play(existing), play(audiotype.StreamAlarm), duckCurrent)
		t.Set(play(existing), play(audiotype.StreamNotification), duckCurrent)
		t.Set(play(existing), play(audiotype.StreamNavigation), duckCurrent)
		t.Set(play(existing), play(audiotype.StreamVoiceCall), pauseCurrent)
		t.Set(play(existing), play(audiotype.StreamVoiceAssistant), pauseCurrent)

		t.Set(play(audiotype.StreamVoiceCall), play(existing), reject)
		t.Set(play(audiotype.StreamRing), play(existing), pauseIncoming)
		t.Set(play(audiotype.StreamVoiceAssistant), play(existing), pauseIncoming)
		t.Set(play(audiotype.StreamNavigation), play(existing), duckIncoming)
	}

	t.Set(play(audiotype.StreamRing), play(audiotype.StreamVoiceCall), stopCurrent)
	t.Set(play(audiotype.StreamVoiceCall), play(audiotype.StreamVoiceCall), stopCurrent)
	t.Set(play(audiotype.StreamVoiceCall), play(audiotype.StreamRing), duckIncoming)
	t.Set(play(audiotype.StreamAlarm), play(audiotype.StreamAlarm), stopCurrent)
	t.Set(play(audiotype.StreamVoiceAssistant), play(audiotype.StreamVoiceCall), stopCurrent)

	t.Set(capture(audiotype.SourceMic), capture(audiotype.SourceMic), stopCurrent)
	t.Set(capture(audiotype.SourceMic), capture(audiotype.SourceVoiceCommunication), stopCurrent)
	t.Set(capture(audiotype.SourceVoiceCommunication), capture(audiotype.SourceMic), reject)
	t.Set(capture(audiotype.SourceVoiceRecognition), capture(audiotype.SourceMic), reject)
	t.Set(capture(audiotype.SourceMic), capture(audiotype.SourceVoiceRecognition), pauseCurrent)
	t.Set(play(audiotype.StreamVoiceCall), capture(audiotype.SourceVoiceRecognition), reject)
	return t
}

// FocusTableFromRules builds a table from configuration rows.
func FocusTableFromRules(rules []config.FocusRule) (*FocusTable, error) {
	t := NewFocusTable()
	for i, r := range rules {
		existing, err := ParseFocusType(r.Existing)
		if err != nil {
			return nil, fmt.Errorf("focus rule %d: %w", i, err)
		}
		incoming, err := ParseFocusType(r.Incoming)
		if err != nil {
			return nil, fmt.Errorf("focus rule %d: %w", i, err)
		}
		var e FocusEntry
		switch strings.ToLower(r.ActionOn) {
		case "", "current":
			e.ActionOn = ActionCurrent
		case "incoming":
			e.ActionOn = ActionIncoming
		default:
			return nil, fmt.Errorf("%w: focus rule %d action_on %q", ErrInvalidParam, i, r.ActionOn)
		}
		if r.Hint != "" {
			if e.Hint, err = ParseHint(r.Hint); err != nil {
				return nil, fmt.Errorf("focus rule %d: %w", i, err)
			}
		}
		switch e.Hint {
		case HintNone, HintPause, HintStop, HintDuck:
		default:
			return nil, fmt.Errorf("%w: focus rule %d hint %s", ErrInvalidParam, i, e.Hint)
		}
		switch strings.ToLower(r.Force) {
		case "", "force":
			e.ForceType = ForceForce
		case "share":
			e.ForceType = ForceShare
		default:
			return nil, fmt.Errorf("%w: focus rule %d force %q", ErrInvalidParam, i, r.Force)
		}
		e.IsReject = r.Reject
		t.Set(existing, incoming, e)
	}
	return t, nil
}
