package effect

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/audiotype"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/config"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/logging"
	"github.com/openharmony/multimedia-audio-framework-sub000/internal/metrics"
)

// SessionEffectInfo is what the graph needs to know about one session.
type SessionEffectInfo struct {
	SceneMode      string                  `json:"scene_mode"`
	SceneType      string                  `json:"scene_type"`
	Channels       int                     `json:"channels"`
	ChannelLayout  audiotype.ChannelLayout `json:"channel_layout"`
	Spatialization bool                    `json:"spatialization"`
}

// ManagerConfig is the immutable chain table the graph is built from.
type ManagerConfig struct {
	SampleRate       int
	Channels         int
	EffectChains     map[string][]string
	SceneChains      []config.SceneChain
	PriorScenes      []string
	NormalSceneLimit int
	DefaultScene     string
	ResidentScenes   []string
}

// ManagerConfigFrom extracts the effect settings from the server config.
func ManagerConfigFrom(c *config.Config) ManagerConfig {
	return ManagerConfig{
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
		EffectChains:     c.EffectChains,
		SceneChains:      c.SceneChains,
		PriorScenes:      c.PriorScenes,
		NormalSceneLimit: c.NormalSceneLimit,
		DefaultScene:     c.DefaultScene,
		ResidentScenes:   c.ResidentScenes,
	}
}

type chainEntry struct {
	chain *Chain
	// count is the number of dynamic creations not yet released.
	count    int
	sessions *roaring.Bitmap
}

// Manager is the effect chain graph. It keeps one chain per effective scene
// and device, shared by every session of that scene, and resolves the
// chain's channel configuration as the maximum over its sessions.
//
// Operations run at session attach rate and take one mutex. ApplyAudioEffectChain
// holds it only to look the chain up.
type Manager struct {
	mu sync.Mutex

	cfg ManagerConfig
	lib *Library

	sessionIDs  *roaring.Bitmap
	chained     *roaring.Bitmap
	sessionInfo map[uint32]SessionEffectInfo
	chains      map[string]*chainEntry
	// sceneAlias maps a requested scene to the scene whose chain serves it.
	sceneAlias map[string]string
	aliasCount map[string]int
	sceneModes map[string]string

	device         audiotype.DeviceType
	sinkName       string
	spatialization bool
	dspOffload     bool

	logger *logging.ComponentLogger
}

func NewManager(cfg ManagerConfig, lib *Library) *Manager {
	if lib == nil {
		lib = NewBuiltinLibrary()
	}
	if cfg.DefaultScene == "" {
		cfg.DefaultScene = audiotype.SceneOthers
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	return &Manager{
		cfg:         cfg,
		lib:         lib,
		sessionIDs:  roaring.New(),
		chained:     roaring.New(),
		sessionInfo: make(map[uint32]SessionEffectInfo),
		chains:      make(map[string]*chainEntry),
		sceneAlias:  make(map[string]string),
		aliasCount:  make(map[string]int),
		sceneModes:  make(map[string]string),
		device:      audiotype.DeviceSpeaker,
		logger:      logging.NewComponentLogger(*logging.GetDefaultLogger(), logging.ComponentEffect),
	}
}

func chainKey(scene string, device audiotype.DeviceType) string {
	return scene + "_&_" + string(device)
}

// CheckAndAddSessionID registers sessionID and reports whether it was new.
// A new session takes a chain reference; without info from AttachSession it
// joins the default scene.
func (m *Manager) CheckAndAddSessionID(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	added, err := m.addSessionLocked(sessionID)
	if err != nil {
		m.logger.LogError(err, "add session failed")
	}
	return added
}

// CheckAndRemoveSessionID unregisters sessionID and reports whether it was
// present. The chain reference and stored info it held are dropped.
func (m *Manager) CheckAndRemoveSessionID(sessionID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.removeSessionLocked(sessionID)
	if err != nil {
		m.logger.LogError(err, "remove session failed")
	}
	delete(m.sessionInfo, sessionID)
	return removed
}

func (m *Manager) addSessionLocked(sessionID uint32) (bool, error) {
	if !m.sessionIDs.CheckedAdd(sessionID) {
		return false, nil
	}
	info, ok := m.sessionInfo[sessionID]
	if !ok {
		info = SessionEffectInfo{SceneType: m.cfg.DefaultScene}
		m.sessionInfo[sessionID] = info
	}
	if !m.softwareAllowedLocked() {
		m.logger.Logger().Debug().Uint32("session_id", sessionID).Msg("effects offloaded, no software chain")
		return true, nil
	}
	e, err := m.createLocked(info.SceneType)
	if err != nil {
		m.sessionIDs.Remove(sessionID)
		return false, err
	}
	e.sessions.Add(sessionID)
	m.chained.Add(sessionID)
	return true, m.updateMultichannelLocked(info.SceneType)
}

func (m *Manager) removeSessionLocked(sessionID uint32) (bool, error) {
	if !m.sessionIDs.CheckedRemove(sessionID) {
		return false, nil
	}
	if !m.chained.CheckedRemove(sessionID) {
		return true, nil
	}
	for _, e := range m.chains {
		e.sessions.Remove(sessionID)
	}
	return true, m.releaseLocked(m.sessionInfo[sessionID].SceneType)
}

// storeInfoLocked records info and, for a chained session, widens its chain
// or moves it to the chain of a new scene.
func (m *Manager) storeInfoLocked(sessionID uint32, info SessionEffectInfo) error {
	if info.SceneType == "" {
		info.SceneType = m.cfg.DefaultScene
	}
	old, ok := m.sessionInfo[sessionID]
	if ok && old == info {
		return nil
	}
	m.sessionInfo[sessionID] = info
	if !ok || !m.chained.Contains(sessionID) {
		return nil
	}
	if old.SceneType == info.SceneType {
		return m.updateMultichannelLocked(info.SceneType)
	}
	for _, e := range m.chains {
		e.sessions.Remove(sessionID)
	}
	if err := m.releaseLocked(old.SceneType); err != nil {
		m.logger.LogError(err, "release previous scene failed")
	}
	e, err := m.createLocked(info.SceneType)
	if err != nil {
		m.chained.Remove(sessionID)
		return err
	}
	e.sessions.Add(sessionID)
	return m.updateMultichannelLocked(info.SceneType)
}

func (m *Manager) isPrior(scene string) bool {
	return slices.Contains(m.cfg.PriorScenes, scene)
}

func (m *Manager) hasMapping(scene string) bool {
	for _, sc := range m.cfg.SceneChains {
		if sc.Scene == scene {
			return true
		}
	}
	return false
}

func (m *Manager) normalChainCount() int {
	n := 0
	for _, e := range m.chains {
		if !m.isPrior(e.chain.scene) && e.chain.scene != m.cfg.DefaultScene {
			n++
		}
	}
	return n
}

// resolveSceneLocked classifies scene: prior scenes always get their own
// chain, normal scenes until the limit is reached, everything else the default.
func (m *Manager) resolveSceneLocked(scene string) string {
	if alias, ok := m.sceneAlias[scene]; ok {
		return alias
	}
	if scene == m.cfg.DefaultScene || m.isPrior(scene) {
		return scene
	}
	if !m.hasMapping(scene) {
		return m.cfg.DefaultScene
	}
	if _, ok := m.chains[chainKey(scene, m.device)]; ok {
		return scene
	}
	if m.normalChainCount() < m.cfg.NormalSceneLimit {
		return scene
	}
	return m.cfg.DefaultScene
}

func (m *Manager) modeLocked(scene string) string {
	if mode, ok := m.sceneModes[scene]; ok {
		return mode
	}
	return audiotype.EffectDefault
}

// lookupChainLocked finds the chain name for a tuple. A device specific entry
// wins over a device agnostic one.
func (m *Manager) lookupChainLocked(scene, mode string) (string, []string) {
	if mode == audiotype.EffectNone {
		return "", nil
	}
	var name string
	for _, sc := range m.cfg.SceneChains {
		if sc.Scene != scene || !strings.EqualFold(sc.Mode, mode) {
			continue
		}
		if sc.Device == string(m.device) {
			name = sc.Chain
			break
		}
		if sc.Device == "" && name == "" {
			name = sc.Chain
		}
	}
	if name == "" {
		return "", nil
	}
	return name, m.cfg.EffectChains[name]
}

func (m *Manager) ioConfigLocked(scene string) IOConfig {
	channels, layout := m.maxChannelsLocked(scene)
	return IOConfig{SampleRate: m.cfg.SampleRate, Channels: channels, Layout: layout}
}

func (m *Manager) buildChainLocked(scene string) (*chainEntry, error) {
	mode := m.modeLocked(scene)
	name, effects := m.lookupChainLocked(scene, mode)
	c := newChain(scene, mode, m.device, m.spatialization, m.ioConfigLocked(scene))
	if err := c.build(m.lib, name, effects); err != nil {
		return nil, err
	}
	metrics.EffectChainCreated()
	m.logger.Logger().Info().
		Str("scene", scene).
		Str("mode", mode).
		Str("chain", name).
		Str("device", string(m.device)).
		Msg("effect chain created")
	return &chainEntry{chain: c, sessions: roaring.New()}, nil
}

func (m *Manager) destroyEntryLocked(key string, e *chainEntry) {
	e.chain.release()
	delete(m.chains, key)
	metrics.EffectChainReleased()
	m.logger.Logger().Info().Str("scene", e.chain.scene).Str("chain", e.chain.name).Msg("effect chain released")
}

// CreateAudioEffectChainDynamic takes a reference on the chain serving
// sceneType, building it on first use.
func (m *Manager) CreateAudioEffectChainDynamic(sceneType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.createLocked(sceneType)
	return err
}

func (m *Manager) createLocked(sceneType string) (*chainEntry, error) {
	if sceneType == "" {
		return nil, fmt.Errorf("%w: empty scene type", ErrInvalidParam)
	}
	scene := m.resolveSceneLocked(sceneType)
	key := chainKey(scene, m.device)
	e, ok := m.chains[key]
	if !ok {
		var err error
		if e, err = m.buildChainLocked(scene); err != nil {
			return nil, err
		}
		m.chains[key] = e
	}
	e.count++
	m.sceneAlias[sceneType] = scene
	m.aliasCount[sceneType]++
	return e, nil
}

// ReleaseAudioEffectChainDynamic drops a reference taken by
// CreateAudioEffectChainDynamic. The last release tears the chain down; a
// resident scene gets a warm replacement immediately.
func (m *Manager) ReleaseAudioEffectChainDynamic(sceneType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(sceneType)
}

func (m *Manager) releaseLocked(sceneType string) error {
	scene, ok := m.sceneAlias[sceneType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, sceneType)
	}
	if m.aliasCount[sceneType]--; m.aliasCount[sceneType] <= 0 {
		delete(m.aliasCount, sceneType)
		delete(m.sceneAlias, sceneType)
	}
	key := chainKey(scene, m.device)
	e, ok := m.chains[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, scene)
	}
	if e.count--; e.count > 0 {
		return nil
	}
	m.destroyEntryLocked(key, e)
	if slices.Contains(m.cfg.ResidentScenes, scene) {
		warm, err := m.buildChainLocked(scene)
		if err != nil {
			m.logger.LogError(err, "failed to rebuild resident chain")
			return nil
		}
		m.chains[key] = warm
	}
	return nil
}

// ExistAudioEffectChain reports whether a chain serves sceneType on the
// current device.
func (m *Manager) ExistAudioEffectChain(sceneType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chains[chainKey(m.resolveSceneLocked(sceneType), m.device)]
	return ok
}

// maxChannelsLocked returns the widest channel count among sessions of the
// scene and the richest layout carrying that many channels.
func (m *Manager) maxChannelsLocked(scene string) (int, audiotype.ChannelLayout) {
	maxCh := 0
	var layout audiotype.ChannelLayout
	if e, ok := m.chains[chainKey(scene, m.device)]; ok {
		it := e.sessions.Iterator()
		for it.HasNext() {
			info, ok := m.sessionInfo[it.Next()]
			if !ok {
				continue
			}
			ch := info.Channels
			l := info.ChannelLayout
			if l == audiotype.LayoutUnknown || l.Channels() != ch {
				l = audiotype.DefaultLayout(ch)
			}
			if ch > maxCh || (ch == maxCh && l > layout) {
				maxCh, layout = ch, l
			}
		}
	}
	if maxCh < m.cfg.Channels {
		return m.cfg.Channels, audiotype.DefaultLayout(m.cfg.Channels)
	}
	return maxCh, layout
}

// UpdateMultichannelConfig recomputes the chain serving sceneType for the
// widest of its sessions.
func (m *Manager) UpdateMultichannelConfig(sceneType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateMultichannelLocked(sceneType)
}

func (m *Manager) updateMultichannelLocked(sceneType string) error {
	scene := m.resolveSceneLocked(sceneType)
	e, ok := m.chains[chainKey(scene, m.device)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChainNotFound, sceneType)
	}
	io := m.ioConfigLocked(scene)
	if err := e.chain.setIOConfig(io); err != nil {
		return err
	}
	m.logger.Logger().Debug().Str("scene", scene).Int("channels", io.Channels).Msg("multichannel config updated")
	return nil
}

// ShouldCreateSoftwareChain is false when effects run outside the mixer:
// A2DP output without spatialization, or DSP offload.
func (m *Manager) ShouldCreateSoftwareChain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softwareAllowedLocked()
}

func (m *Manager) softwareAllowedLocked() bool {
	if m.dspOffload {
		return false
	}
	return m.device != audiotype.DeviceBluetoothA2DP || m.spatialization
}

// AttachSession stores info for a session and registers it. When software
// effects apply, a new session takes a chain reference for its scene and
// widens the chain if needed. Attaching a known session applies info as an
// update and may move it to another scene.
func (m *Manager) AttachSession(sessionID uint32, info SessionEffectInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := m.sessionIDs.Contains(sessionID)
	if err := m.storeInfoLocked(sessionID, info); err != nil {
		return err
	}
	if known {
		return nil
	}
	if _, err := m.addSessionLocked(sessionID); err != nil {
		delete(m.sessionInfo, sessionID)
		return err
	}
	return nil
}

// DetachSession reverses AttachSession. The chain keeps its channel
// configuration; detaching an unknown session is a no-op.
func (m *Manager) DetachSession(sessionID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.removeSessionLocked(sessionID)
	delete(m.sessionInfo, sessionID)
	return err
}

// SetSceneMode switches the effect mode of a scene and rebuilds its chain.
func (m *Manager) SetSceneMode(sceneType, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode != audiotype.EffectNone && mode != audiotype.EffectDefault {
		return fmt.Errorf("%w: mode %s", ErrInvalidParam, mode)
	}
	m.sceneModes[sceneType] = mode
	e, ok := m.chains[chainKey(m.resolveSceneLocked(sceneType), m.device)]
	if !ok || e.chain.mode == mode {
		return nil
	}
	return m.rebuildLocked(e)
}

func (m *Manager) rebuildLocked(e *chainEntry) error {
	scene := e.chain.scene
	mode := m.modeLocked(scene)
	name, effects := m.lookupChainLocked(scene, mode)
	e.chain.mode = mode
	e.chain.device = m.device
	e.chain.spatialization = m.spatialization
	return e.chain.build(m.lib, name, effects)
}

// UpdateDeviceInfo moves every chain to a new output device, rebuilding those
// whose chain name differs there.
func (m *Manager) UpdateDeviceInfo(device audiotype.DeviceType, sinkName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinkName = sinkName
	if device == m.device {
		return nil
	}
	old := m.chains
	m.device = device
	m.chains = make(map[string]*chainEntry, len(old))
	var firstErr error
	for _, e := range old {
		m.chains[chainKey(e.chain.scene, device)] = e
		if err := m.rebuildLocked(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Logger().Info().Str("device", string(device)).Str("sink", sinkName).Msg("effect device updated")
	return firstErr
}

// UpdateSpatializationState toggles spatialization for every chain.
func (m *Manager) UpdateSpatializationState(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spatialization == enabled {
		return
	}
	m.spatialization = enabled
	for _, e := range m.chains {
		e.chain.mu.Lock()
		e.chain.spatialization = enabled
		e.chain.mu.Unlock()
	}
}

// SetDspOffload marks whether effects run on the DSP.
func (m *Manager) SetDspOffload(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dspOffload = enabled
}

// ApplyAudioEffectChain processes attr through the chain serving sceneType.
// A missing chain, or effects running outside the mixer, copies input to
// output unprocessed.
func (m *Manager) ApplyAudioEffectChain(sceneType string, attr *BufferAttr) error {
	if err := attr.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	var chain *Chain
	if m.softwareAllowedLocked() {
		if e, ok := m.chains[chainKey(m.resolveSceneLocked(sceneType), m.device)]; ok {
			chain = e.chain
		}
	}
	m.mu.Unlock()

	if chain == nil {
		metrics.RecordPassthrough()
		Passthrough(attr)
		return nil
	}
	chain.Apply(attr)
	return nil
}

// ChainInfo is a point in time view of one chain.
type ChainInfo struct {
	Scene          string   `json:"scene"`
	Mode           string   `json:"mode"`
	Device         string   `json:"device"`
	Chain          string   `json:"chain"`
	Spatialization bool     `json:"spatialization"`
	Channels       int      `json:"channels"`
	Layout         uint64   `json:"layout"`
	Stages         []string `json:"stages"`
	Sessions       []uint32 `json:"sessions"`
	RefCount       int      `json:"ref_count"`
}

// Snapshot lists every chain sorted by scene.
func (m *Manager) Snapshot() []ChainInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChainInfo, 0, len(m.chains))
	for _, e := range m.chains {
		io := e.chain.IOConfig()
		e.chain.mu.Lock()
		info := ChainInfo{
			Scene:          e.chain.scene,
			Mode:           e.chain.mode,
			Device:         string(e.chain.device),
			Chain:          e.chain.name,
			Spatialization: e.chain.spatialization,
			Channels:       io.Channels,
			Layout:         uint64(io.Layout),
			Sessions:       e.sessions.ToArray(),
			RefCount:       e.count,
		}
		e.chain.mu.Unlock()
		info.Stages = e.chain.StageNames()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scene < out[j].Scene })
	return out
}
