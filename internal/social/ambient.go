package social

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/socialhost/internal/workerapi"
)

// MaxAmbientIcons caps the named icons one provider may show.
const MaxAmbientIcons = 3

type AmbientIcon struct {
	Name         string `json:"name"`
	Background   string `json:"background,omitempty"`
	Counter      string `json:"counter,omitempty"`
	ContentPanel string `json:"contentPanel,omitempty"`
}

type AmbientState struct {
	Background string        `json:"background,omitempty"`
	Portrait   string        `json:"portrait,omitempty"`
	Icons      []AmbientIcon `json:"icons,omitempty"`
}

func (s AmbientState) clone() AmbientState {
	s.Icons = append([]AmbientIcon(nil), s.Icons...)
	return s
}

func (p *Provider) Ambient() AmbientState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ambient.clone()
}

// SetAmbientNotification creates or updates one named icon. Fields left nil
// in update keep their current value.
func (p *Provider) SetAmbientNotification(update workerapi.IconUpdate) error {
	name := strings.TrimSpace(update.Name)
	if name == "" {
		return fmt.Errorf("%w: ambient icon name is required", ErrInvalidInput)
	}

	p.mu.Lock()
	idx := -1
	for i, icon := range p.ambient.Icons {
		if icon.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(p.ambient.Icons) >= MaxAmbientIcons {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s already shows %d icons", ErrTooManyIcons, p.origin, MaxAmbientIcons)
		}
		p.ambient.Icons = append(p.ambient.Icons, AmbientIcon{Name: name})
		idx = len(p.ambient.Icons) - 1
	}
	icon := &p.ambient.Icons[idx]
	mergeField(&icon.Background, update.Background)
	mergeField(&icon.Counter, update.Counter)
	mergeField(&icon.ContentPanel, update.ContentPanel)
	p.mu.Unlock()

	p.registry.bus.Publish(Event{Topic: TopicAmbientNotificationChanged, Origin: p.origin})
	return nil
}

func (p *Provider) UpdateAmbientArea(update workerapi.AreaUpdate) error {
	p.mu.Lock()
	mergeField(&p.ambient.Background, update.Background)
	mergeField(&p.ambient.Portrait, update.Portrait)
	p.mu.Unlock()

	p.registry.bus.Publish(Event{Topic: TopicAmbientNotificationChanged, Origin: p.origin})
	return nil
}

func mergeField(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}
