package events

import (
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts an operational-alerting message to a Slack incoming
// webhook when the server begins draining or when a tool repeatedly fails,
// adapted from the enable/disable and hot-reload posture of
// internal/slack/manager.go but stripped of its database-settings coupling:
// this sink is configured once at startup from a webhook URL and, like
// GormAuditSink, is strictly a Subscriber — it never influences dispatch.
type SlackNotifier struct {
	webhookURL      string
	sub             *Subscriber
	stop            chan struct{}
	failureCounts   map[string]int
	failureThreshold int
}

func NewSlackNotifier(bus *Bus, webhookURL string, failureThreshold int) *SlackNotifier {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	n := &SlackNotifier{
		webhookURL:       webhookURL,
		sub:              bus.Subscribe(256),
		stop:             make(chan struct{}),
		failureCounts:    make(map[string]int),
		failureThreshold: failureThreshold,
	}
	go n.run()
	return n
}

func (n *SlackNotifier) run() {
	for {
		select {
		case ev, ok := <-n.sub.Events():
			if !ok {
				return
			}
			n.handle(ev)
		case <-n.stop:
			return
		}
	}
}

func (n *SlackNotifier) handle(ev Event) {
	switch ev.Type {
	case ServerDraining:
		n.post(":warning: MCP server entering drain — no new requests will be accepted.")
	case RequestCompleted:
		tool, _ := ev.Data["tool"].(string)
		outcome, _ := ev.Data["outcome"].(string)
		if tool == "" || outcome == "ok" {
			n.failureCounts[tool] = 0
			return
		}
		n.failureCounts[tool]++
		if n.failureCounts[tool] == n.failureThreshold {
			n.post(fmt.Sprintf(":rotating_light: tool %q has failed %d consecutive times (%s)", tool, n.failureThreshold, outcome))
		}
	}
}

func (n *SlackNotifier) post(text string) {
	_ = slack.PostWebhook(n.webhookURL, &slack.WebhookMessage{Text: text})
}

func (n *SlackNotifier) Stop() {
	close(n.stop)
}
