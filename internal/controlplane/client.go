package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shadowmesh/trojanx/internal/protocol"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

// Client periodically fetches the authoritative user list from the
// control plane, reconciles it into Store, and uploads accumulated
// traffic and IP data back. It is the only component in this server that
// speaks to an external collaborator over plain HTTP, so it uses the
// standard library client directly rather than adopting a REST framework
// for two calls.
type Client struct {
	NodeID   uint64
	BaseURL  string
	Key      string
	Interval time.Duration

	Store      *userstore.Store
	HTTPClient *http.Client

	mu      sync.Mutex
	running map[uint64]protocol.Fingerprint // last-seen fingerprint per user ID
}

// NewClient returns a Client ready to Run. httpClient may be nil, in which
// case a client with a 10 second timeout is used.
func NewClient(nodeID uint64, baseURL, key string, interval time.Duration, store *userstore.Store, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		NodeID:     nodeID,
		BaseURL:    baseURL,
		Key:        key,
		Interval:   interval,
		Store:      store,
		HTTPClient: httpClient,
		running:    make(map[uint64]protocol.Fingerprint),
	}
}

// Run blocks, alternating fetch/reconcile and traffic/IP upload on Interval,
// until ctx is canceled. A failed cycle does not stop the loop; Run returns
// only ctx's error.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		// Unacknowledged traffic stays in the store and is reported again
		// on the next cycle.
		_ = c.syncOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) syncOnce(ctx context.Context) error {
	users, err := c.fetchUsers(ctx)
	if err != nil {
		return fmt.Errorf("controlplane: fetch users: %w", err)
	}
	c.reconcile(users)

	if err := c.uploadTraffic(ctx); err != nil {
		return fmt.Errorf("controlplane: upload traffic: %w", err)
	}
	if err := c.uploadIPs(ctx); err != nil {
		return fmt.Errorf("controlplane: upload ips: %w", err)
	}
	if err := c.uploadNodeStat(ctx); err != nil {
		return fmt.Errorf("controlplane: upload node stat: %w", err)
	}
	return nil
}

// reconcile applies a freshly fetched user list against both c.running and
// the live Store, preserving a user's accumulated state across a
// fingerprint change (a password rotation) and removing any user ID no
// longer present in the fetch.
func (c *Client) reconcile(users []userRaw) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint64]struct{}, len(users))
	for _, u := range users {
		seen[u.ID] = struct{}{}
		newFP := u.fingerprint()
		rec := u.record()

		oldFP, known := c.running[u.ID]
		switch {
		case !known:
			c.Store.UpsertInPlace(newFP, rec)
		case oldFP != newFP:
			c.Store.RenameFingerprint(oldFP, newFP, rec)
		default:
			c.Store.UpsertInPlace(newFP, rec)
		}
		c.running[u.ID] = newFP
	}

	for id, fp := range c.running {
		if _, ok := seen[id]; !ok {
			c.Store.Remove(fp)
			delete(c.running, id)
		}
	}
}

func (c *Client) fetchUsers(ctx context.Context) ([]userRaw, error) {
	u, err := c.buildURL("/users", nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body usersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.Ret != 1 {
		return nil, fmt.Errorf("control plane returned ret=%d", body.Ret)
	}
	return body.Data, nil
}

// uploadTraffic flushes accumulated traffic deltas to the control plane.
// Deltas are only subtracted back out of the store once the control plane
// has acknowledged the upload with ret == 1; a rejected or failed upload
// leaves every counter untouched so nothing is lost, only re-reported.
func (c *Client) uploadTraffic(ctx context.Context) error {
	deltas := c.Store.CollectTrafficDeltas()
	if len(deltas) == 0 {
		return nil
	}

	updates := make([]trafficUpdate, 0, len(deltas))
	for _, d := range deltas {
		updates = append(updates, toTrafficUpdate(d))
	}

	ret, err := c.postJSON(ctx, "/users/traffic", requestEnvelope[[]trafficUpdate]{Data: updates})
	if err != nil {
		return err
	}
	if ret != 1 {
		return fmt.Errorf("control plane rejected traffic upload: ret=%d", ret)
	}
	c.Store.ApplyTrafficDeltas(deltas)
	return nil
}

func (c *Client) uploadIPs(ctx context.Context) error {
	reports := c.Store.CollectAndDrainIPs()
	if len(reports) == 0 {
		return nil
	}

	payload := make([]ipReport, 0, len(reports))
	for _, r := range reports {
		payload = append(payload, toIPReport(r))
	}

	_, err := c.postJSON(ctx, "/users/aliveip", requestEnvelope[[]ipReport]{Data: payload})
	return err
}

// uploadNodeStat posts this host's load/uptime to its own endpoint,
// separate from the traffic envelope. It is a no-op on platforms with no
// /proc to read it from.
func (c *Client) uploadNodeStat(ctx context.Context) error {
	if !nodeStatSupported {
		return nil
	}
	stat := readNodeStat()
	body := nodeInfoBody{Uptime: stat.Uptime, Load: stat.Load1}

	u, err := c.buildURL(fmt.Sprintf("/nodes/%d/info", c.NodeID), nil)
	if err != nil {
		return err
	}
	return c.doPost(ctx, u, body, nil)
}

// postJSON POSTs body to path (with the node_id/key query params applied)
// and decodes the update-response envelope, returning its ret field.
func (c *Client) postJSON(ctx context.Context, path string, body any) (int, error) {
	u, err := c.buildURL(path, nil)
	if err != nil {
		return 0, err
	}

	var resp updateResponse
	if err := c.doPost(ctx, u, body, &resp); err != nil {
		return 0, err
	}
	return resp.Ret, nil
}

// doPost POSTs body as JSON to u and, if out is non-nil, decodes the
// response body into it.
func (c *Client) doPost(ctx context.Context, u string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) buildURL(path string, extra url.Values) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	base.Path = joinPath(base.Path, path)

	q := base.Query()
	q.Set("node_id", fmt.Sprint(c.NodeID))
	q.Set("key", c.Key)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func joinPath(base, path string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
