package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardenfs/snapwarden/pkg/logging"
	"github.com/wardenfs/snapwarden/pkg/model"
)

// DefaultPingBaseURL is the hosted healthchecks ping root used when an
// observer does not configure its own instance.
const DefaultPingBaseURL = "https://hc-ping.com"

// Notifier pings dead-man-switch style check endpoints, one URL per check
// id, with "/start" and "/fail" suffixes marking run begin and failure.
// Pings are best effort; a broken monitoring service must never fail a job.
type Notifier struct {
	client *http.Client
}

// NewNotifier creates a Notifier. A nil client gets a short default
// timeout so a hanging monitoring endpoint cannot stall callers.
func NewNotifier(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{client: client}
}

// Ping reports success for a check.
func (n *Notifier) Ping(ctx context.Context, baseURL, checkID string) error {
	return n.post(ctx, baseURL, checkID)
}

// PingFail reports failure for a check.
func (n *Notifier) PingFail(ctx context.Context, baseURL, checkID string) error {
	return n.post(ctx, baseURL, checkID+"/fail")
}

// PingStart reports that the checked work has begun, so the monitoring
// service can time the run.
func (n *Notifier) PingStart(ctx context.Context, baseURL, checkID string) error {
	return n.post(ctx, baseURL, checkID+"/start")
}

func (n *Notifier) post(ctx context.Context, baseURL, path string) error {
	target, err := url.JoinPath(baseURL, path)
	if err != nil {
		return fmt.Errorf("building ping url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(""))
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("pinging %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pinging %s: unexpected status %s", target, resp.Status)
	}
	return nil
}

// ObserveJobStart fans a start ping out to every observer watching the
// entity for that event. Failed pings are logged and swallowed.
func (n *Notifier) ObserveJobStart(ctx context.Context, entities *model.Entities, entityID uuid.UUID, event model.ObservedEvent) {
	n.eachObservation(entities, entityID, event, func(observer *model.Observer, base, checkID string) {
		if err := n.PingStart(ctx, base, checkID); err != nil {
			logging.Warn().Err(err).Str("observer", observer.Name).Str("event", string(event)).Msg("Start ping failed")
		}
	})
}

// ObserveJob fans a job event out to every observer watching the entity
// for that event. Failed pings are logged and swallowed.
func (n *Notifier) ObserveJob(ctx context.Context, entities *model.Entities, entityID uuid.UUID, event model.ObservedEvent, ok bool) {
	n.eachObservation(entities, entityID, event, func(observer *model.Observer, base, checkID string) {
		var err error
		if ok {
			err = n.Ping(ctx, base, checkID)
		} else {
			err = n.PingFail(ctx, base, checkID)
		}
		if err != nil {
			logging.Warn().Err(err).Str("observer", observer.Name).Str("event", string(event)).Msg("Observation ping failed")
		}
	})
}

func (n *Notifier) eachObservation(entities *model.Entities, entityID uuid.UUID, event model.ObservedEvent, fn func(observer *model.Observer, base, checkID string)) {
	if entities == nil {
		return
	}
	for i := range entities.Observers {
		observer := &entities.Observers[i]
		base := observer.BaseURL
		if base == "" {
			base = DefaultPingBaseURL
		}
		for _, observation := range observer.Observations {
			if observation.EntityID != entityID || observation.Event != event {
				continue
			}
			fn(observer, base, observation.CheckID)
		}
	}
}
