package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/heraldproject/herald"
)

// DefaultFanoutWorkers and DefaultFanoutTimeout back fireGroup's bounded
// worker pool.
const (
	DefaultFanoutWorkers = 5
	DefaultFanoutTimeout = 10 * time.Second
)

// Client is Herald's HTTP transport. It satisfies
// herald.Transport and herald.replyExtraTransport (via FireExtra).
type Client struct {
	httpClient *http.Client
	localUID   string
	localPort  uint16
	localPath  string
	log        *logrus.Entry

	fanoutWorkers int
	fanoutTimeout time.Duration
}

// NewClient builds an HTTP transport client. localUID is stamped into the
// wire headers' sender-uid field; localPort/localPath are this peer's own
// servlet address, stamped into every outbound message's herald-port/
// herald-path headers so the receiving servlet can reply without trusting
// the inbound TCP connection's ephemeral source port.
func NewClient(localUID string, localPort uint16, localPath string) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		localUID:      localUID,
		localPort:     localPort,
		localPath:     localPath,
		log:           logrus.WithField("component", "transport.http.client"),
		fanoutWorkers: DefaultFanoutWorkers,
		fanoutTimeout: DefaultFanoutTimeout,
	}
}

// AccessID implements herald.Transport.
func (c *Client) AccessID() string { return AccessID }

// Fire implements herald.Transport: POSTs msg's JSON wire form to the
// peer's http access. Peers lacking an http access fail with
// InvalidPeerAccessError so the dispatcher tries the next one.
func (c *Client) Fire(ctx context.Context, peer *herald.Peer, msg *herald.Message) error {
	raw, ok := peer.Access(AccessID)
	if !ok {
		return herald.NewInvalidPeerAccessError(AccessID, "peer has no http access")
	}
	access, ok := raw.(Access)
	if !ok {
		return herald.NewInvalidPeerAccessError(AccessID, "malformed http access value")
	}

	return c.post(ctx, access.URL(), msg)
}

// FireExtra implements the dispatcher's reply fast path: extra is the
// *Extra captured off an inbound message, letting reply() skip the
// directory lookup entirely.
func (c *Client) FireExtra(ctx context.Context, extra interface{}, msg *herald.Message) error {
	e, ok := extra.(*Extra)
	if !ok {
		return herald.NewInvalidPeerAccessError(AccessID, "extra is not *http.Extra")
	}
	access := Access{Host: e.Host, Port: e.Port, Path: e.Path}
	return c.post(ctx, access.URL(), msg)
}

func (c *Client) post(ctx context.Context, url string, msg *herald.Message) error {
	extraHeaders := map[string]interface{}{
		HeaderPort: strconv.Itoa(int(c.localPort)),
		HeaderPath: c.localPath,
	}
	body, err := herald.EncodeMessage(msg, c.localUID, extraHeaders)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http transport: peer returned status %d", resp.StatusCode)
	}
	return nil
}

// FireGroup implements herald.Transport: fans a unicast POST out to every
// peer over a bounded worker pool, waiting up to fanoutTimeout for all of
// them to finish. The reached set is whichever peers' POST returned 2xx.
func (c *Client) FireGroup(ctx context.Context, group string, peers []*herald.Peer, msg *herald.Message) ([]*herald.Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fanoutTimeout)
	defer cancel()

	wp := workerpool.New(c.fanoutWorkers)

	var mu sync.Mutex
	var reached []*herald.Peer

	for _, p := range peers {
		p := p
		wp.Submit(func() {
			if err := c.Fire(ctx, p, msg); err != nil {
				c.log.WithError(err).WithField("peer", p.UID()).Debug("fireGroup: peer not reached")
				return
			}
			mu.Lock()
			reached = append(reached, p)
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		wp.StopWait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.WithField("group", group).Warn("fireGroup: timed out waiting for all peers")
	}

	return reached, nil
}
