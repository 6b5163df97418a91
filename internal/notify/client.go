// ABOUTME: Constructs the SSRF-safe HTTP client used for dead-letter webhook delivery.
// ABOUTME: Uses doyensec/safeurl; redirects disabled so signed requests never follow a Location header.
package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// deliveryTimeout bounds one webhook POST end to end. Dead-letter delivery
// runs on a worker goroutine, so a hung endpoint must not stall claiming.
const deliveryTimeout = 10 * time.Second

// BuildSafeClient returns the *http.Client the daemon uses to deliver
// dead-letter events. The safeurl wrapper blocks requests that resolve to
// private or loopback addresses, so an operator-supplied webhook URL cannot
// be pointed at internal services.
func BuildSafeClient() (*http.Client, error) {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(deliveryTimeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client, nil
}
