// Package interrupt arbitrates audio focus between concurrent streams. Each
// interrupt zone keeps its owners in arrival order; a focus request is
// compared against every owner with a policy table, and the resulting pause,
// duck, stop and resume instructions are delivered asynchronously to the
// sessions' registered callbacks.
package interrupt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
)

var (
	ErrInvalidParam = errors.New("invalid parameter")
	ErrFocusDenied  = errors.New("audio focus denied")
)

// DefaultZoneID is the zone every pid belongs to unless moved; it always exists.
const DefaultZoneID int32 = 0

// FocusState is the state of one owner inside a zone.
type FocusState int

const (
	StateActive FocusState = iota
	StateDucked
	StatePaused
	StatePending
	StateStopped
)

var focusStateNames = [...]string{"ACTIVE", "DUCK", "PAUSE", "PENDING", "STOP"}

func (s FocusState) String() string {
	if int(s) < len(focusStateNames) {
		return focusStateNames[s]
	}
	return fmt.Sprintf("FocusState(%d)", int(s))
}

func (s FocusState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// silenced reports whether the owner may not play at all.
func (s FocusState) silenced() bool { return s == StatePaused || s == StatePending }

// severity orders states by how strongly the owner is blocked.
func (s FocusState) severity() int {
	switch s {
	case StateActive:
		return 0
	case StateDucked:
		return 1
	default:
		return 2
	}
}

// Hint tells the client what the policy did or wants done.
type Hint int

const (
	HintNone Hint = iota
	HintResume
	HintPause
	HintStop
	HintDuck
	HintUnduck
)

var hintNames = [...]string{"NONE", "RESUME", "PAUSE", "STOP", "DUCK", "UNDUCK"}

func (h Hint) String() string {
	if int(h) < len(hintNames) {
		return hintNames[h]
	}
	return fmt.Sprintf("Hint(%d)", int(h))
}

func (h Hint) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// ParseHint accepts the lower or upper case hint name.
func ParseHint(s string) (Hint, error) {
	for i, name := range hintNames {
		if strings.EqualFold(s, name) {
			return Hint(i), nil
		}
	}
	return HintNone, fmt.Errorf("%w: hint %q", ErrInvalidParam, s)
}

// ForceType says who acts on a hint. With ForceForce the policy already
// applied it; with ForceShare the app is only informed and decides.
type ForceType int

const (
	ForceShare ForceType = iota
	ForceForce
)

func (f ForceType) String() string {
	if f == ForceForce {
		return "INTERRUPT_FORCE"
	}
	return "INTERRUPT_SHARE"
}

func (f ForceType) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// ActionTarget selects which side of a focus pair a rule acts on.
type ActionTarget int

const (
	ActionCurrent ActionTarget = iota
	ActionIncoming
)

// AudioFocusType is the focus category of a stream: a stream type for
// playback, a source type for capture.
type AudioFocusType struct {
	StreamType audiotype.StreamType `json:"stream_type,omitempty"`
	SourceType audiotype.SourceType `json:"source_type,omitempty"`
	IsPlay     bool                 `json:"is_play"`
}

const captureFocusPrefix = "capture:"

// String renders playback types as the stream type and capture types as
// "capture:<SOURCE>".
func (f AudioFocusType) String() string {
	if f.IsPlay {
		return string(f.StreamType)
	}
	return captureFocusPrefix + string(f.SourceType)
}

// ParseFocusType is the inverse of AudioFocusType.String.
func ParseFocusType(s string) (AudioFocusType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AudioFocusType{}, fmt.Errorf("%w: empty focus type", ErrInvalidParam)
	}
	if src, ok := strings.CutPrefix(s, captureFocusPrefix); ok {
		if src == "" {
			return AudioFocusType{}, fmt.Errorf("%w: focus type %q", ErrInvalidParam, s)
		}
		return AudioFocusType{SourceType: audiotype.SourceType(strings.ToUpper(src))}, nil
	}
	return AudioFocusType{StreamType: audiotype.StreamType(strings.ToUpper(s)), IsPlay: true}, nil
}

// FocusTypeOf derives the focus category of a stream.
func FocusTypeOf(mode audiotype.AudioMode, usage audiotype.StreamUsage, source audiotype.SourceType) AudioFocusType {
	if mode == audiotype.ModeRecord {
		return AudioFocusType{SourceType: source}
	}
	return AudioFocusType{StreamType: usage.StreamType(), IsPlay: true}
}

// AudioInterrupt is one focus request.
type AudioInterrupt struct {
	StreamUsage audiotype.StreamUsage `json:"stream_usage"`
	ContentType audiotype.ContentType `json:"content_type"`
	FocusType   AudioFocusType        `json:"focus_type"`
	SessionID   uint32                `json:"session_id"`
	Pid         int32                 `json:"pid"`
	ZoneID      int32                 `json:"zone_id"`
}

// EventType marks whether an event starts or ends an interruption.
type EventType string

const (
	EventBegin EventType = "INTERRUPT_TYPE_BEGIN"
	EventEnd   EventType = "INTERRUPT_TYPE_END"
)

// InterruptEvent is delivered to a session's callback when its focus changes.
type InterruptEvent struct {
	SessionID uint32    `json:"session_id"`
	ZoneID    int32     `json:"zone_id"`
	Type      EventType `json:"type"`
	ForceType ForceType `json:"force_type"`
	Hint      Hint      `json:"hint"`
	// DuckVolume is the stream volume after a DUCK or UNDUCK.
	DuckVolume float32 `json:"duck_volume,omitempty"`
	// CausedBy is the session whose activation or removal triggered the event.
	CausedBy uint32 `json:"caused_by,omitempty"`
}

// FocusInfo is one row of a zone's focus list.
type FocusInfo struct {
	Interrupt AudioInterrupt `json:"interrupt"`
	State     FocusState     `json:"state"`
}
