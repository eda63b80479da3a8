// Package notify publishes orchestrator events to external sinks: a NATS
// subject tree and/or a webhook endpoint. Both are optional; an unconfigured
// notifier is a no-op. Publish failures are logged and never propagate into
// control paths.
package notify

import (
	"bytes"
	"encoding/json"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event is the envelope published for every notification.
type Event struct {
	Kind   string         `json:"kind"`
	Agent  string         `json:"agent,omitempty"`
	Time   time.Time      `json:"time"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Options selects the sinks. Empty fields disable the corresponding sink.
type Options struct {
	NATSURL     string
	NATSSubject string
	WebhookURL  string
}

type Notifier struct {
	nc      *nats.Conn
	subject string
	webhook string
	client  *retryablehttp.Client
}

// New connects the configured sinks. A NATS connection failure is an error;
// the webhook sink needs no upfront connection.
func New(opts Options) (*Notifier, error) {
	n := &Notifier{webhook: opts.WebhookURL}
	if opts.NATSURL != "" {
		nc, err := nats.Connect(opts.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, err
		}
		n.nc = nc
		n.subject = opts.NATSSubject
		if n.subject == "" {
			n.subject = "fleetd"
		}
	}
	if n.webhook != "" {
		c := retryablehttp.NewClient()
		c.RetryMax = 2
		c.RetryWaitMin = 500 * time.Millisecond
		c.RetryWaitMax = 5 * time.Second
		c.Logger = nil
		c.HTTPClient.Timeout = 10 * time.Second
		n.client = c
	}
	return n, nil
}

// Publish sends one event to every configured sink. NATS events go to
// "<subject>.<kind>".
func (n *Notifier) Publish(kind, agent string, detail map[string]any) {
	if n == nil || (n.nc == nil && n.client == nil) {
		return
	}
	ev := Event{Kind: kind, Agent: agent, Time: time.Now(), Detail: detail}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if n.nc != nil {
		if err := n.nc.Publish(n.subject+"."+kind, b); err != nil {
			log.Warn().Err(err).Str("kind", kind).Msg("nats publish failed")
		}
	}
	if n.client != nil {
		go n.post(b, kind)
	}
}

func (n *Notifier) post(body []byte, kind string) {
	req, err := retryablehttp.NewRequest("POST", n.webhook, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("webhook post failed")
		return
	}
	resp.Body.Close()
}

// Close drains the NATS connection.
func (n *Notifier) Close() {
	if n == nil || n.nc == nil {
		return
	}
	_ = n.nc.Drain()
}
