// Package sink is the findings boundary: persistence, alert-creation
// requests, and real-time publication are collaborators behind the Sink
// interface, and the engine proceeds when any of them degrade.
package sink

import (
	"context"

	"github.com/netsentry/netsentry/internal/model"
)

// Sink receives finished correlations from the detector and the
// federation gateway.
type Sink interface {
	// Persist stores a correlation durably. Best-effort: callers log and
	// proceed on failure.
	Persist(ctx context.Context, c *model.Correlation) error

	// RequestAlert asks the alerting subsystem to create an alert and
	// returns its ID. Only called for rules with the create_alert action.
	RequestAlert(ctx context.Context, draft *model.AlertDraft) (string, error)

	// Publish notifies real-time subscribers. Fire-and-forget.
	Publish(c *model.Correlation)
}
