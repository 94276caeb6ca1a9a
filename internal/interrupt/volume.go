package interrupt

import "sync"

// VolumeController applies interrupt gain to a session's stream. The
// endpoint pool implements it for linked sessions.
type VolumeController interface {
	SetStreamVolume(sessionID uint32, volume float32) bool
	GetStreamVolume(sessionID uint32) (float32, bool)
}

// VolumeTable is an in-memory VolumeController. Unknown sessions are at
// full volume.
type VolumeTable struct {
	mu      sync.Mutex
	volumes map[uint32]float32
}

func NewVolumeTable() *VolumeTable {
	return &VolumeTable{volumes: make(map[uint32]float32)}
}

func (t *VolumeTable) SetStreamVolume(sessionID uint32, volume float32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volumes[sessionID] = volume
	return true
}

func (t *VolumeTable) GetStreamVolume(sessionID uint32) (float32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.volumes[sessionID]; ok {
		return v, true
	}
	return 1, true
}

// duckState remembers the volume a stream had before ducking began. Only the
// first duck of a run captures; later ducks never overwrite the snapshot.
type duckState struct {
	ducked   bool
	applied  bool
	captured bool
	restore  float32
}

// duck marks the stream ducked and returns the resulting volume. With apply
// it lowers the stream to at most ceiling; otherwise the app was only told
// and the volume is left as is. A stream already at or below ceiling is left
// alone.
func (d *duckState) duck(vc VolumeController, sessionID uint32, ceiling float32, apply bool) float32 {
	d.ducked = true
	cur, ok := vc.GetStreamVolume(sessionID)
	if !apply {
		return cur
	}
	d.applied = true
	if !ok {
		return ceiling
	}
	if cur <= ceiling {
		return cur
	}
	if !d.captured {
		d.restore, d.captured = cur, true
	}
	vc.SetStreamVolume(sessionID, ceiling)
	return ceiling
}

// unduck restores the captured volume. Without a capture it changes nothing
// and reports false.
func (d *duckState) unduck(vc VolumeController, sessionID uint32) (float32, bool) {
	d.ducked, d.applied = false, false
	if !d.captured {
		cur, _ := vc.GetStreamVolume(sessionID)
		return cur, false
	}
	d.captured = false
	vc.SetStreamVolume(sessionID, d.restore)
	return d.restore, true
}
