package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/util"
)

// Event types.
const (
	EventJail         = "jail"
	EventRelease      = "release"
	EventCertFailure  = "certificate_failure"
	EventCertIssued   = "certificate_issued"
	EventApplyFailure = "config_apply_failure"
)

// sendFunc is swapped in tests.
var sendFunc = shoutrrr.Send

// Notifier fans operator messages out to shoutrrr URLs. A nil Notifier is a no-op.
type Notifier struct {
	urls []string
	wg   sync.WaitGroup
}

// New returns a Notifier, or nil when no URLs are configured.
func New(urls []string) *Notifier {
	var clean []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return &Notifier{urls: clean}
}

// Send delivers asynchronously; failures are logged and dropped.
func (n *Notifier) Send(event, title, message string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf("[%s] %s\n\n%s", event, title, message)
	for _, url := range n.urls {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			if err := sendFunc(url, msg); err != nil {
				logger.WithFields(logrus.Fields{
					"event":  event,
					"target": util.SanitizeForLog(redact(url)),
				}).WithError(err).Warn("notification delivery failed")
			}
		}(url)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// redact keeps only the scheme of a service URL; the rest usually carries tokens.
func redact(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i] + "://***"
	}
	return "***"
}
