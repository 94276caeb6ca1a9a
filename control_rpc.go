package audiofw

import (
	"errors"
	"fmt"

	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
)

// MaxZonePids bounds the pids moved by a single zone call.
const MaxZonePids = 64

// ErrInvalidRequest marks malformed control RPC parameters.
var ErrInvalidRequest = errors.New("invalid request")

// Control RPC Direct Handlers
// Control calls arrive as a method name plus a JSON object decoded into a
// map. Each handler validates its own parameters and calls straight into the
// audio service.

// validateFloat64Param extracts and validates a float64 parameter from the params map
func validateFloat64Param(params map[string]interface{}, paramName, methodName string, min, max float64) (float64, error) {
	value, ok := params[paramName].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s: %s parameter must be a number, got %T", ErrInvalidRequest, methodName, paramName, params[paramName])
	}
	if value < min || value > max {
		return 0, fmt.Errorf("%w: %s: %s value %v out of range [%v to %v]", ErrInvalidRequest, methodName, paramName, value, min, max)
	}
	return value, nil
}

func validateStringParam(params map[string]interface{}, paramName, methodName string) (string, error) {
	value, ok := params[paramName].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s: %s parameter must be a non-empty string, got %T", ErrInvalidRequest, methodName, paramName, params[paramName])
	}
	return value, nil
}

func validateBoolParam(params map[string]interface{}, paramName, methodName string) (bool, error) {
	value, ok := params[paramName].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s: %s parameter must be a boolean, got %T", ErrInvalidRequest, methodName, paramName, params[paramName])
	}
	return value, nil
}

// validatePidsArray extracts and validates a pids array parameter
func validatePidsArray(params map[string]interface{}, methodName string) ([]int32, error) {
	pidsInterface, ok := params["pids"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s: pids parameter must be an array, got %T", ErrInvalidRequest, methodName, params["pids"])
	}
	if len(pidsInterface) > MaxZonePids {
		return nil, fmt.Errorf("%w: %s: too many pids (%d), maximum is %d", ErrInvalidRequest, methodName, len(pidsInterface), MaxZonePids)
	}

	pids := make([]int32, len(pidsInterface))
	for i, pidInterface := range pidsInterface {
		pidFloat, ok := pidInterface.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: %s: pid at index %d must be a number, got %T", ErrInvalidRequest, methodName, i, pidInterface)
		}
		if pidFloat < 1 || pidFloat > 1<<31-1 || pidFloat != float64(int32(pidFloat)) {
			return nil, fmt.Errorf("%w: %s: pid at index %d value %v is not a valid pid", ErrInvalidRequest, methodName, i, pidFloat)
		}
		pids[i] = int32(pidFloat)
	}
	return pids, nil
}

var knownStreamTypes = map[audiotype.StreamType]struct{}{
	audiotype.StreamMusic:          {},
	audiotype.StreamRing:           {},
	audiotype.StreamVoiceCall:      {},
	audiotype.StreamVoiceAssistant: {},
	audiotype.StreamAlarm:          {},
	audiotype.StreamNotification:   {},
	audiotype.StreamMovie:          {},
	audiotype.StreamGame:           {},
	audiotype.StreamSpeech:         {},
	audiotype.StreamNavigation:     {},
	audiotype.StreamSystem:         {},
	audiotype.StreamDefault:        {},
}

func validateStreamType(params map[string]interface{}, methodName string) (audiotype.StreamType, error) {
	s, err := validateStringParam(params, "streamType", methodName)
	if err != nil {
		return "", err
	}
	st := audiotype.StreamType(s)
	if _, ok := knownStreamTypes[st]; !ok {
		return "", fmt.Errorf("%w: %s: unknown stream type %q", ErrInvalidRequest, methodName, s)
	}
	return st, nil
}

func validateZoneID(params map[string]interface{}, methodName string) (int32, error) {
	id, err := validateFloat64Param(params, "zoneId", methodName, 0, 1<<31-1)
	if err != nil {
		return 0, err
	}
	return int32(id), nil
}

// ZonePidsParams represents parameters for the interrupt zone methods
type ZonePidsParams struct {
	ZoneID int32   `json:"zoneId"`
	Pids   []int32 `json:"pids"`
}

func (s *Server) handleSetStreamVolumeDirect(params map[string]interface{}) (interface{}, error) {
	st, err := validateStreamType(params, "setStreamVolume")
	if err != nil {
		return nil, err
	}
	vol, err := validateFloat64Param(params, "volume", "setStreamVolume", 0, 1)
	if err != nil {
		return nil, err
	}
	return nil, s.service.SharedVolume().SetVolume(st, float32(vol))
}

func (s *Server) handleSetStreamMuteDirect(params map[string]interface{}) (interface{}, error) {
	st, err := validateStreamType(params, "setStreamMute")
	if err != nil {
		return nil, err
	}
	mute, err := validateBoolParam(params, "mute", "setStreamMute")
	if err != nil {
		return nil, err
	}
	s.service.SharedVolume().SetMuted(st, mute)
	return nil, nil
}

func (s *Server) handleSetSceneModeDirect(params map[string]interface{}) (interface{}, error) {
	scene, err := validateStringParam(params, "scene", "setSceneMode")
	if err != nil {
		return nil, err
	}
	mode, err := validateStringParam(params, "mode", "setSceneMode")
	if err != nil {
		return nil, err
	}
	return nil, s.service.Effects().SetSceneMode(scene, mode)
}

func (s *Server) handleUpdateDeviceInfoDirect(params map[string]interface{}) (interface{}, error) {
	device, err := validateStringParam(params, "device", "updateDeviceInfo")
	if err != nil {
		return nil, err
	}
	// The sink name is informational and may be omitted.
	sink, _ := params["sink"].(string)
	return nil, s.service.Effects().UpdateDeviceInfo(audiotype.DeviceType(device), sink)
}

func (s *Server) handleSetSpatializationDirect(params map[string]interface{}) (interface{}, error) {
	enabled, err := validateBoolParam(params, "enabled", "setSpatialization")
	if err != nil {
		return nil, err
	}
	s.service.Effects().UpdateSpatializationState(enabled)
	return nil, nil
}

func (s *Server) handleSetDspOffloadDirect(params map[string]interface{}) (interface{}, error) {
	enabled, err := validateBoolParam(params, "enabled", "setDspOffload")
	if err != nil {
		return nil, err
	}
	s.service.Effects().SetDspOffload(enabled)
	return nil, nil
}

func parseZonePids(params map[string]interface{}, methodName string) (ZonePidsParams, error) {
	zoneID, err := validateZoneID(params, methodName)
	if err != nil {
		return ZonePidsParams{}, err
	}
	pids, err := validatePidsArray(params, methodName)
	if err != nil {
		return ZonePidsParams{}, err
	}
	return ZonePidsParams{ZoneID: zoneID, Pids: pids}, nil
}

func (s *Server) handleZonePidsDirect(method string, params map[string]interface{}) (interface{}, error) {
	p, err := parseZonePids(params, method)
	if err != nil {
		return nil, err
	}
	arbiter := s.service.Arbiter()
	switch method {
	case "createInterruptZone":
		return nil, arbiter.CreateAudioInterruptZone(p.ZoneID, p.Pids)
	case "addInterruptZonePids":
		return nil, arbiter.AddAudioInterruptZonePids(p.ZoneID, p.Pids)
	default:
		return nil, arbiter.RemoveAudioInterruptZonePids(p.ZoneID, p.Pids)
	}
}

func (s *Server) handleReleaseInterruptZoneDirect(params map[string]interface{}) (interface{}, error) {
	zoneID, err := validateZoneID(params, "releaseInterruptZone")
	if err != nil {
		return nil, err
	}
	return nil, s.service.Arbiter().ReleaseAudioInterruptZone(zoneID)
}

func (s *Server) handleReleaseSessionDirect(params map[string]interface{}) (interface{}, error) {
	id, err := validateFloat64Param(params, "sessionId", "releaseSession", 0, 1<<32-1)
	if err != nil {
		return nil, err
	}
	destroyAtOnce, _ := params["destroyAtOnce"].(bool)
	sess, err := s.service.Session(uint32(id))
	if err != nil {
		return nil, err
	}
	return nil, sess.Release(destroyAtOnce)
}

// handleControlRPCDirect routes control method calls to their direct handlers.
func (s *Server) handleControlRPCDirect(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case "setStreamVolume":
		return s.handleSetStreamVolumeDirect(params)
	case "setStreamMute":
		return s.handleSetStreamMuteDirect(params)
	case "setSceneMode":
		return s.handleSetSceneModeDirect(params)
	case "updateDeviceInfo":
		return s.handleUpdateDeviceInfoDirect(params)
	case "setSpatialization":
		return s.handleSetSpatializationDirect(params)
	case "setDspOffload":
		return s.handleSetDspOffloadDirect(params)
	case "createInterruptZone", "addInterruptZonePids", "removeInterruptZonePids":
		return s.handleZonePidsDirect(method, params)
	case "releaseInterruptZone":
		return s.handleReleaseInterruptZoneDirect(params)
	case "releaseSession":
		return s.handleReleaseSessionDirect(params)
	default:
		return nil, fmt.Errorf("%w: unsupported method '%s'", ErrInvalidRequest, method)
	}
}

// isControlMethod reports whether method has a direct handler.
// This function must be kept in sync with handleControlRPCDirect.
func isControlMethod(method string) bool {
	switch method {
	case "setStreamVolume", "setStreamMute", "setSceneMode", "updateDeviceInfo",
		"setSpatialization", "setDspOffload", "createInterruptZone",
		"addInterruptZonePids", "removeInterruptZonePids", "releaseInterruptZone",
		"releaseSession":
		return true
	default:
		return false
	}
}
