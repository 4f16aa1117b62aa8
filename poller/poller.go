// Package poller fetches parameter values over the device's stateless
// HTTP endpoint. It is the fallback path when the persistent connection
// is down, and the verification path when live data has gone quiet.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlectoTheFirst/hoas-cresontrol/errors"
	"github.com/AlectoTheFirst/hoas-cresontrol/logging"
	"github.com/AlectoTheFirst/hoas-cresontrol/metric"
	"github.com/AlectoTheFirst/hoas-cresontrol/protocol"
	"github.com/AlectoTheFirst/hoas-cresontrol/snapshot"
)

// Options configures a Poller.
type Options struct {
	// CommandURL is the device's HTTP command endpoint,
	// e.g. "http://192.168.1.20:80/command".
	CommandURL string

	// Timeout bounds each HTTP round trip.
	Timeout time.Duration

	// Store receives fetched values under SourceFallback.
	Store *snapshot.Store

	Logger  *logging.Logger
	Metrics *metric.BridgeMetrics

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Poller issues one-shot batched reads against the HTTP endpoint. All
// requested keys go out in a single request, semicolon-joined; the device
// answers with one "key::value" line per command.
type Poller struct {
	opts   Options
	client *http.Client
	log    *logging.Logger
}

// New creates a Poller.
func New(opts Options) (*Poller, error) {
	if opts.CommandURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "poller", "New", "command url is required")
	}
	if opts.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "poller", "New", "snapshot store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("poller", opts.CommandURL, nil, nil)
	}

	return &Poller{opts: opts, client: client, log: log}, nil
}

// Poll fetches the given keys in one batched request, merges the replies
// into the snapshot and returns the keys whose values changed. Keys the
// device did not answer are tolerated; when no key yields a value the
// whole round fails with a transient error and the snapshot is left
// untouched.
func (p *Poller) Poll(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	body, err := p.fetch(ctx, protocol.EncodeBatch(keys))
	if err != nil {
		if p.opts.Metrics != nil {
			p.opts.Metrics.PollRequestErrors.Inc()
			p.opts.Metrics.PollRounds.WithLabelValues("error").Inc()
		}
		return nil, errors.WrapTransient(err, "poller", "Poll", "fetch batch")
	}

	values := protocol.ParseBatch(body)
	answered := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := values[key]; ok {
			answered[key] = value
		}
	}

	if len(answered) == 0 {
		if p.opts.Metrics != nil {
			p.opts.Metrics.PollRounds.WithLabelValues("empty").Inc()
		}
		return nil, errors.WrapTransient(errors.ErrAllRequestsFailed, "poller", "Poll",
			"no requested key answered")
	}

	if len(answered) < len(keys) {
		p.log.Debug("partial poll reply", "requested", len(keys), "answered", len(answered))
	}

	changed := p.opts.Store.ApplyAll(snapshot.SourceFallback, answered)
	if p.opts.Metrics != nil {
		p.opts.Metrics.PollRounds.WithLabelValues("ok").Inc()
	}
	return changed, nil
}

// SendCommand executes a single command over HTTP and returns the reply
// value. Used for writes while the persistent connection is down.
func (p *Poller) SendCommand(ctx context.Context, command string) (string, error) {
	body, err := p.fetch(ctx, command)
	if err != nil {
		if p.opts.Metrics != nil {
			p.opts.Metrics.PollRequestErrors.Inc()
		}
		return "", errors.WrapTransient(err, "poller", "SendCommand", "execute command")
	}

	for _, line := range strings.Split(body, "\n") {
		if _, value, ok := protocol.DecodeLine(strings.TrimRight(line, "\r")); ok {
			return value, nil
		}
	}
	return "", nil
}

func (p *Poller) fetch(ctx context.Context, query string) (string, error) {
	target := p.opts.CommandURL + "?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Keep the transport cause (timeout, refused, DNS) visible
		return "", fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", errors.ErrDeviceUnreachable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
