package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/types"
)

// Severity of an operator alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert asks an operator to look at a swap.
type Alert struct {
	Severity Severity
	SwapID   string
	Phase    types.Phase
	Kind     types.ErrorKind
	Message  string
	At       time.Time
}

// Alerter delivers alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the log.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, a Alert) {
	entry := log.WithFields(log.Fields{
		"swap_id":  a.SwapID,
		"phase":    a.Phase,
		"kind":     a.Kind,
		"severity": a.Severity,
	})
	if a.Severity == SeverityCritical {
		entry.Error("ALERT: " + a.Message)
		return
	}
	entry.Warn("ALERT: " + a.Message)
}

func (c *Coordinator) alert(ctx context.Context, sev Severity, rec *types.SwapRecord, kind types.ErrorKind, msg string) {
	a := Alert{
		Severity: sev,
		SwapID:   rec.SwapID,
		Phase:    rec.Phase,
		Kind:     kind,
		Message:  msg,
		At:       c.clock.Now(),
	}
	c.metrics.ObserveAlert(string(sev), string(kind))
	c.alerter.Alert(ctx, a)
}
