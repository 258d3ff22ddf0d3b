// ABOUTME: Discovery source interface and the announcement record sources yield.
// ABOUTME: The directory polls sources on its discovery loop and registers results.

package discovery

import (
	"context"
	"time"
)

// Announcement describes one reachable agent as reported by a source.
type Announcement struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	Transport string            `json:"transport"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	LastSeen  time.Time         `json:"lastSeen"`
}

// Source produces announcements of currently reachable agents. A source
// returning an error does not invalidate previously discovered agents;
// the directory keeps them until explicitly removed.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Discover returns the agents the source currently knows about.
	// Partial results with a nil error are valid.
	Discover(ctx context.Context) ([]Announcement, error)
}
