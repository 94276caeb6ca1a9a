package audiofw

import "github.com/openharmony/multimedia-audio-framework-sub000/internal/service"

// SessionProvider hands the live session list to the event broadcaster. It
// is created before the audio service, which observes through the
// broadcaster, and bound to it afterwards.
type SessionProvider struct {
	svc *service.AudioService
}

// Sessions returns the live sessions, or none before the service is bound.
func (p *SessionProvider) Sessions() []service.SessionInfo {
	if p.svc == nil {
		return []service.SessionInfo{}
	}
	infos := p.svc.Sessions()
	if infos == nil {
		return []service.SessionInfo{}
	}
	return infos
}
