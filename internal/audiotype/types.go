// Package audiotype holds the vocabulary shared by the stream, interrupt,
// effect and policy layers.
package audiotype

// AudioMode is the direction of a stream.
type AudioMode int

const (
	ModePlayback AudioMode = iota
	ModeRecord
)

func (m AudioMode) String() string {
	if m == ModeRecord {
		return "record"
	}
	return "playback"
}

// StreamType is the focus category of a playback stream.
type StreamType string

const (
	StreamMusic          StreamType = "MUSIC"
	StreamRing           StreamType = "RING"
	StreamVoiceCall      StreamType = "VOICE_CALL"
	StreamVoiceAssistant StreamType = "VOICE_ASSISTANT"
	StreamAlarm          StreamType = "ALARM"
	StreamNotification   StreamType = "NOTIFICATION"
	StreamMovie          StreamType = "MOVIE"
	StreamGame           StreamType = "GAME"
	StreamSpeech         StreamType = "SPEECH"
	StreamNavigation     StreamType = "NAVIGATION"
	StreamSystem         StreamType = "SYSTEM"
	StreamDefault        StreamType = "DEFAULT"
)

// SourceType is the focus category of a capture stream.
type SourceType string

const (
	SourceNone               SourceType = ""
	SourceMic                SourceType = "MIC"
	SourceVoiceRecognition   SourceType = "VOICE_RECOGNITION"
	SourceVoiceCommunication SourceType = "VOICE_COMMUNICATION"
	SourcePlaybackCapture    SourceType = "PLAYBACK_CAPTURE"
	SourceWakeup             SourceType = "WAKEUP"
)

// NeedsBackgroundCheck reports whether capturing from this source in the
// background requires a permission check.
func (s SourceType) NeedsBackgroundCheck() bool {
	switch s {
	case SourceMic, SourceVoiceRecognition, SourceVoiceCommunication:
		return true
	default:
		return false
	}
}

// StreamUsage is what the application says the stream is for.
type StreamUsage string

const (
	UsageUnknown            StreamUsage = "USAGE_UNKNOWN"
	UsageMedia              StreamUsage = "USAGE_MEDIA"
	UsageMusic              StreamUsage = "USAGE_MUSIC"
	UsageVoiceCommunication StreamUsage = "USAGE_VOICE_COMMUNICATION"
	UsageVoiceAssistant     StreamUsage = "USAGE_VOICE_ASSISTANT"
	UsageAlarm              StreamUsage = "USAGE_ALARM"
	UsageRingtone           StreamUsage = "USAGE_RINGTONE"
	UsageNotification       StreamUsage = "USAGE_NOTIFICATION"
	UsageMovie              StreamUsage = "USAGE_MOVIE"
	UsageGame               StreamUsage = "USAGE_GAME"
	UsageAudiobook          StreamUsage = "USAGE_AUDIOBOOK"
	UsageNavigation         StreamUsage = "USAGE_NAVIGATION"
	UsageSystem             StreamUsage = "USAGE_SYSTEM"
)

var usageStreamTypes = map[StreamUsage]StreamType{
	UsageMedia:              StreamMusic,
	UsageMusic:              StreamMusic,
	UsageVoiceCommunication: StreamVoiceCall,
	UsageVoiceAssistant:     StreamVoiceAssistant,
	UsageAlarm:              StreamAlarm,
	UsageRingtone:           StreamRing,
	UsageNotification:       StreamNotification,
	UsageMovie:              StreamMovie,
	UsageGame:               StreamGame,
	UsageAudiobook:          StreamSpeech,
	UsageNavigation:         StreamNavigation,
	UsageSystem:             StreamSystem,
}

// StreamType maps a usage to its focus category.
func (u StreamUsage) StreamType() StreamType {
	if st, ok := usageStreamTypes[u]; ok {
		return st
	}
	return StreamMusic
}

// Scene types select effect chains.
const (
	SceneMusic    = "SCENE_MUSIC"
	SceneMovie    = "SCENE_MOVIE"
	SceneGame     = "SCENE_GAME"
	SceneSpeech   = "SCENE_SPEECH"
	SceneRing     = "SCENE_RING"
	SceneVoIP     = "SCENE_VOIP_DOWN"
	SceneOthers   = "SCENE_OTHERS"
	EffectNone    = "EFFECT_NONE"
	EffectDefault = "EFFECT_DEFAULT"
)

// SceneType maps a usage to the effect scene that processes it.
func (u StreamUsage) SceneType() string {
	switch u {
	case UsageMedia, UsageMusic:
		return SceneMusic
	case UsageMovie:
		return SceneMovie
	case UsageGame:
		return SceneGame
	case UsageAudiobook:
		return SceneSpeech
	case UsageVoiceCommunication:
		return SceneVoIP
	case UsageRingtone, UsageAlarm, UsageNotification:
		return SceneRing
	default:
		return SceneOthers
	}
}

// ContentType is the nature of the audio content.
type ContentType string

const (
	ContentUnknown ContentType = "CONTENT_TYPE_UNKNOWN"
	ContentSpeech  ContentType = "CONTENT_TYPE_SPEECH"
	ContentMusic   ContentType = "CONTENT_TYPE_MUSIC"
	ContentMovie   ContentType = "CONTENT_TYPE_MOVIE"
	ContentSonic   ContentType = "CONTENT_TYPE_SONIFICATION"
)

// AppInfo identifies the application that owns a stream.
type AppInfo struct {
	Pid        int32  `json:"pid"`
	Uid        int32  `json:"uid"`
	TokenID    uint64 `json:"token_id"`
	BundleName string `json:"bundle_name,omitempty"`
}
