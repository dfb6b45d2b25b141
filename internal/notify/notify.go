package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dev-tams/npmretain/internal/config"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is the notification payload shared by all notifier implementations.
type Event struct {
	RunID             string `json:"run_id"`
	Package           string `json:"package"`
	Status            string `json:"status"`
	DryRun            bool   `json:"dry_run"`
	Kept              int    `json:"kept"`
	Deprecated        int    `json:"deprecated"`
	Planned           int    `json:"planned"`
	Failed            int    `json:"failed"`
	Unparseable       int    `json:"unparseable"`
	AlreadyDeprecated int    `json:"already_deprecated"`
	Duration          string `json:"duration"`
	Error             string `json:"error,omitempty"`
}

// Changed reports whether the run deprecated, or tried to deprecate, anything.
// A dry run never changes the registry.
func (e Event) Changed() bool {
	if e.DryRun {
		return false
	}
	return e.Deprecated > 0 || e.Failed > 0
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type trigger struct {
	onSuccess bool
	onFailure bool
	// onChanges fires for any status as long as the run changed something.
	onChanges bool
}

type route struct {
	trigger
	notifier Notifier
}

type Dispatcher struct {
	routes []route
}

func NewDispatcher(cfgs []config.NotificationConfig) (*Dispatcher, error) {
	routes := make([]route, 0, len(cfgs))
	for i, n := range cfgs {
		tr, err := parseOn(n.On)
		if err != nil {
			return nil, fmt.Errorf("notifications[%d]: %w", i, err)
		}

		var nf Notifier
		switch strings.ToLower(strings.TrimSpace(n.Type)) {
		case "webhook":
			nf, err = NewWebhook(n.Config.URL, n.Config.Headers)
		case "email":
			nf, err = NewEmail(n.Config.SMTPHost, n.Config.SMTPPort, n.Config.From, n.Config.To, n.Config.Username, n.Config.Password)
		default:
			return nil, fmt.Errorf("notifications[%d]: unsupported notification type %q", i, n.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("notifications[%d] %s: %w", i, n.Type, err)
		}
		routes = append(routes, route{trigger: tr, notifier: nf})
	}
	return &Dispatcher{routes: routes}, nil
}

func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.routes) == 0 {
		return nil
	}

	var errs []error
	for i, r := range d.routes {
		if !r.wants(event) {
			continue
		}
		if err := r.notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notification route %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (t trigger) wants(event Event) bool {
	if t.onChanges && event.Changed() {
		return true
	}
	switch event.Status {
	case StatusSuccess:
		return t.onSuccess
	case StatusFailure:
		return t.onFailure
	default:
		return false
	}
}

func parseOn(raw []string) (trigger, error) {
	if len(raw) == 0 {
		return trigger{}, fmt.Errorf("on must include success, failure, changes, or both")
	}

	var t trigger
	for _, v := range raw {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "success":
			t.onSuccess = true
		case "failure":
			t.onFailure = true
		case "both":
			t.onSuccess = true
			t.onFailure = true
		case "changes":
			t.onChanges = true
		default:
			return trigger{}, fmt.Errorf("on contains unsupported value %q", v)
		}
	}
	return t, nil
}
