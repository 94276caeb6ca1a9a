package audiotype

// DeviceType is compared by value only; no logic depends on enumeration order.
type DeviceType string

const (
	DeviceSpeaker       DeviceType = "DEVICE_TYPE_SPEAKER"
	DeviceWiredHeadset  DeviceType = "DEVICE_TYPE_WIRED_HEADSET"
	DeviceBluetoothA2DP DeviceType = "DEVICE_TYPE_BLUETOOTH_A2DP"
	DeviceBluetoothSCO  DeviceType = "DEVICE_TYPE_BLUETOOTH_SCO"
	DeviceUSBHeadset    DeviceType = "DEVICE_TYPE_USB_HEADSET"
	DeviceMic           DeviceType = "DEVICE_TYPE_MIC"
	DeviceNone          DeviceType = "DEVICE_TYPE_NONE"
)

// DeviceRole is output or input.
type DeviceRole int

const (
	RoleOutput DeviceRole = iota
	RoleInput
)

// PipeType is the kind of hardware path a stream is routed to.
type PipeType string

const (
	PipeNormalOut  PipeType = "PIPE_TYPE_NORMAL_OUT"
	PipeLowLatency PipeType = "PIPE_TYPE_LOWLATENCY_OUT"
	PipeOffload    PipeType = "PIPE_TYPE_OFFLOAD"
	PipeNormalIn   PipeType = "PIPE_TYPE_NORMAL_IN"
	PipeCallIn     PipeType = "PIPE_TYPE_CALL_IN"
)

// DeviceInfo describes the device a process is routed to.
type DeviceInfo struct {
	Type       DeviceType `json:"type"`
	Role       DeviceRole `json:"role"`
	NetworkID  string     `json:"network_id"`
	SinkName   string     `json:"sink_name"`
	SampleRate int        `json:"sample_rate"`
	Channels   int        `json:"channels"`
}

// Key identifies a hardware endpoint; processes with equal keys share it.
func (d DeviceInfo) Key() string {
	role := "out"
	if d.Role == RoleInput {
		role = "in"
	}
	return string(d.Type) + "/" + role + "/" + d.NetworkID
}

// ChannelLayout is a speaker position bitmask.
type ChannelLayout uint64

const (
	ChFrontLeft    ChannelLayout = 1 << 0
	ChFrontRight   ChannelLayout = 1 << 1
	ChFrontCenter  ChannelLayout = 1 << 2
	ChLowFrequency ChannelLayout = 1 << 3
	ChBackLeft     ChannelLayout = 1 << 4
	ChBackRight    ChannelLayout = 1 << 5
	ChSideLeft     ChannelLayout = 1 << 9
	ChSideRight    ChannelLayout = 1 << 10
	ChTopSideLeft  ChannelLayout = 1 << 12
	ChTopSideRight ChannelLayout = 1 << 13
	LayoutUnknown  ChannelLayout = 0

	LayoutMono          = ChFrontCenter
	LayoutStereo        = ChFrontLeft | ChFrontRight
	LayoutQuad          = LayoutStereo | ChBackLeft | ChBackRight
	Layout5Point1       = LayoutStereo | ChFrontCenter | ChLowFrequency | ChBackLeft | ChBackRight
	Layout7Point1       = Layout5Point1 | ChSideLeft | ChSideRight
	Layout5Point1Point2 = Layout5Point1 | ChTopSideLeft | ChTopSideRight
	Layout7Point1Point2 = Layout7Point1 | ChTopSideLeft | ChTopSideRight
)

// Channels returns the number of positions set in the layout.
func (l ChannelLayout) Channels() int {
	n := 0
	for v := uint64(l); v != 0; v &= v - 1 {
		n++
	}
	return n
}

// DefaultLayout returns the conventional layout for a channel count.
func DefaultLayout(channels int) ChannelLayout {
	switch channels {
	case 1:
		return LayoutMono
	case 2:
		return LayoutStereo
	case 4:
		return LayoutQuad
	case 6:
		return Layout5Point1
	case 8:
		return Layout7Point1
	case 10:
		return Layout7Point1Point2
	default:
		return LayoutUnknown
	}
}
