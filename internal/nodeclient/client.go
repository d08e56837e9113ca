// Package nodeclient is the typed RPC surface the orchestrator uses to
// talk to recorder nodes and room servers. Every call carries its own
// context deadline so a stuck node cannot stall a placement or a health
// tick.
package nodeclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/corralhq/corral/internal/httpclient"
	"github.com/corralhq/corral/pkg/nodeapi"
)

// NodeClient is the outbound RPC contract. The dispatcher and health loop
// depend on this interface so tests can substitute fakes.
type NodeClient interface {
	// AllocatePorts asks a recorder for count even-numbered RTP ports.
	AllocatePorts(ctx context.Context, recorderURL string, count int) ([]int, error)
	// ReleasePorts returns allocated ports to a recorder (rollback path).
	ReleasePorts(ctx context.Context, recorderURL string, ports []int) error
	// StartRecording starts a recording on a recorder.
	StartRecording(ctx context.Context, recorderURL string, req nodeapi.StartRecordingRequest) error
	// StopRecording stops a recording. Idempotent on the recorder side.
	StopRecording(ctx context.Context, recorderURL, jobID string) error
	// ConfigureForwarding points a room server's RTP streams at a recorder.
	ConfigureForwarding(ctx context.Context, roomServerURL string, req nodeapi.ConfigureForwardingRequest) error
	// StopForwarding tears forwarding down. Idempotent server-side.
	StopForwarding(ctx context.Context, roomServerURL, jobID string) error
}

// Timeouts bounds each RPC class.
type Timeouts struct {
	Allocate time.Duration
	Setup    time.Duration
	Stop     time.Duration
}

// DefaultTimeouts returns the standard RPC deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Allocate: 5 * time.Second,
		Setup:    15 * time.Second,
		Stop:     10 * time.Second,
	}
}

// Client implements NodeClient over the resilient HTTP client.
type Client struct {
	http     *httpclient.Client
	timeouts Timeouts
	logger   *slog.Logger
}

var _ NodeClient = (*Client)(nil)

// New creates a node client. A nil http client gets the default resilient
// client; zero timeouts get the defaults.
func New(http *httpclient.Client, timeouts Timeouts, logger *slog.Logger) *Client {
	if http == nil {
		http = httpclient.NewWithDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultTimeouts()
	if timeouts.Allocate <= 0 {
		timeouts.Allocate = defaults.Allocate
	}
	if timeouts.Setup <= 0 {
		timeouts.Setup = defaults.Setup
	}
	if timeouts.Stop <= 0 {
		timeouts.Stop = defaults.Stop
	}
	return &Client{
		http:     http,
		timeouts: timeouts,
		logger:   logger.With(slog.String("component", "node-client")),
	}
}

// AllocatePorts asks a recorder for count even-numbered RTP ports. The
// recorder's answer is authoritative.
func (c *Client) AllocatePorts(ctx context.Context, recorderURL string, count int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Allocate)
	defer cancel()

	var resp nodeapi.AllocatePortsResponse
	err := c.http.PostJSON(ctx, endpoint(recorderURL, "allocate-ports"), nodeapi.AllocatePortsRequest{Count: count}, &resp)
	if err != nil {
		return nil, fmt.Errorf("allocating ports: %w", err)
	}
	if len(resp.Ports) != count {
		return nil, fmt.Errorf("allocating ports: requested %d, got %d", count, len(resp.Ports))
	}
	return resp.Ports, nil
}

// ReleasePorts returns ports to a recorder.
func (c *Client) ReleasePorts(ctx context.Context, recorderURL string, ports []int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Stop)
	defer cancel()

	if err := c.http.PostJSON(ctx, endpoint(recorderURL, "release-ports"), nodeapi.ReleasePortsRequest{Ports: ports}, nil); err != nil {
		return fmt.Errorf("releasing ports: %w", err)
	}
	return nil
}

// StartRecording starts a recording on a recorder.
func (c *Client) StartRecording(ctx context.Context, recorderURL string, req nodeapi.StartRecordingRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Setup)
	defer cancel()

	if err := c.http.PostJSON(ctx, endpoint(recorderURL, "start-recording"), req, nil); err != nil {
		return fmt.Errorf("starting recording %s: %w", req.JobID, err)
	}
	return nil
}

// StopRecording stops a recording on a recorder.
func (c *Client) StopRecording(ctx context.Context, recorderURL, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Stop)
	defer cancel()

	if err := c.http.PostJSON(ctx, endpoint(recorderURL, "stop-recording"), nodeapi.StopRecordingRequest{JobID: jobID}, nil); err != nil {
		return fmt.Errorf("stopping recording %s: %w", jobID, err)
	}
	return nil
}

// ConfigureForwarding configures RTP forwarding on a room server.
func (c *Client) ConfigureForwarding(ctx context.Context, roomServerURL string, req nodeapi.ConfigureForwardingRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Setup)
	defer cancel()

	if err := c.http.PostJSON(ctx, endpoint(roomServerURL, "configure-rtp-forwarding"), req, nil); err != nil {
		return fmt.Errorf("configuring forwarding for %s: %w", req.JobID, err)
	}
	return nil
}

// StopForwarding stops RTP forwarding on a room server.
func (c *Client) StopForwarding(ctx context.Context, roomServerURL, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Stop)
	defer cancel()

	if err := c.http.PostJSON(ctx, endpoint(roomServerURL, "stop-rtp-forwarding"), nodeapi.StopForwardingRequest{JobID: jobID}, nil); err != nil {
		return fmt.Errorf("stopping forwarding for %s: %w", jobID, err)
	}
	return nil
}

// HostIP extracts the host part of a node endpoint URL, used as the RTP
// forwarding target address.
func HostIP(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", fmt.Errorf("parsing node url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("node url %q has no host", nodeURL)
	}
	return host, nil
}

func endpoint(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + path
}
