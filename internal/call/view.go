package call

import (
	"fmt"

	"github.com/peercall/peercall/internal/domain"
)

// Snapshot is the read-only projection handed to presentation collaborators.
// It is a value copy; holding one never blocks or observes later mutation.
type Snapshot struct {
	State      domain.CallState    `json:"state"`
	RemoteID   domain.UserID       `json:"remote_id,omitempty"`
	RemoteName string              `json:"remote_name,omitempty"`
	Kind       domain.CallKind     `json:"call_type"`
	Token      domain.SessionToken `json:"call_history_id,omitempty"`

	Duration int64             `json:"duration"`
	Flags    domain.MediaFlags `json:"flags"`

	// Connected reports signaling transport connectivity, not media.
	Connected bool `json:"connected"`
}

// FormattedDuration renders mm:ss, growing to h:mm:ss past an hour.
func (s Snapshot) FormattedDuration() string {
	return FormatDuration(s.Duration)
}

func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	sec := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
