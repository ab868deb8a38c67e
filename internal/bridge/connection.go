package bridge

import (
	"strings"
	"time"

	"github.com/tatsu020/AvatarWebcam/internal/source"
)

// connManager resolves which sender the worker should be attached to.
//
// In auto mode it re-enumerates senders on a backoff schedule: the poll
// interval starts at base, doubles on every poll that finds no match and is
// capped at max; any successful match resets it to base. Between due polls a
// previously connected sender name is reused without re-enumerating, so the
// hot path does not pay discovery cost on every frame.
type connManager struct {
	marker string

	base     time.Duration
	max      time.Duration
	interval time.Duration
	nextPoll time.Time

	now func() time.Time
}

func newConnManager(marker string, base, max time.Duration) *connManager {
	return &connManager{
		marker:   marker,
		base:     base,
		max:      max,
		interval: base,
		now:      time.Now,
	}
}

// resolve returns the sender the worker should target this iteration.
// explicit is the configured sender name ("" for auto discovery) and
// connected the currently attached sender ("" when unattached). polled
// reports whether an enumeration was actually performed; err carries a
// discovery failure, which is non-fatal and retried on the backoff cadence.
func (m *connManager) resolve(prov source.Provider, explicit, connected string) (target string, polled bool, err error) {
	if explicit != "" {
		return explicit, false, nil
	}

	now := m.now()
	if !now.Before(m.nextPoll) {
		polled = true

		var names []string
		names, err = prov.List()
		if err == nil {
			for _, name := range names {
				if name != "" && strings.Contains(name, m.marker) {
					target = name
					break
				}
			}
		}

		if target != "" {
			m.interval = m.base
			m.nextPoll = now.Add(m.interval)
		} else {
			// Schedule with the current interval, then grow it, so the
			// first gap after a loss is base, not 2*base
			m.nextPoll = now.Add(m.interval)
			m.interval = min(m.interval*2, m.max)
		}
	}

	// Not a poll round: keep using the established sender if any
	if target == "" && connected != "" && !polled {
		target = connected
	}

	return target, polled, err
}
