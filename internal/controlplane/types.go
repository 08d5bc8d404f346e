// Package controlplane talks to the SSPanel-style API that authoritatively
// owns the user list this server enforces: periodically fetching the
// current user set, reconciling it into the in-memory store, and uploading
// accumulated traffic and connecting-IP data back.
package controlplane

import (
	"crypto/sha256"

	"github.com/shadowmesh/trojanx/internal/protocol"
	"github.com/shadowmesh/trojanx/internal/userstore"
)

// userRaw is the wire shape of one user record as returned by the fetch
// endpoint.
type userRaw struct {
	ID             uint64 `json:"id"`
	UUID           string `json:"uuid"`
	SpeedLimit     float64 `json:"node_speedlimit"` // MiB/s, 0 means unlimited
	ConnectorLimit int     `json:"node_connector"`  // max distinct IPs, 0 means unlimited
	AliveIP        *int    `json:"alive_ip,omitempty"`
}

// fingerprint derives this user's Trojan password fingerprint from their
// UUID, the same SHA-224 digest the client is expected to send.
func (u userRaw) fingerprint() protocol.Fingerprint {
	return protocol.Fingerprint(sha256.Sum224([]byte(u.UUID)))
}

func (u userRaw) record() userstore.UserRecord {
	return userstore.UserRecord{
		ID:              u.ID,
		SpeedLimitMiBps: u.SpeedLimit,
		IPLimit:         u.ConnectorLimit,
		IPOnline:        u.AliveIP,
	}
}

// usersResponse wraps the fetch endpoint's response envelope.
type usersResponse struct {
	Ret  int       `json:"ret"`
	Data []userRaw `json:"data"`
}

// requestEnvelope wraps every POST body in the {"data": [...]} shape the
// control plane expects.
type requestEnvelope[T any] struct {
	Data T `json:"data"`
}

// updateResponse is the response envelope for the traffic and IP upload
// endpoints: ret == 1 means the upload was accepted.
type updateResponse struct {
	Ret int `json:"ret"`
}

// trafficUpdate is one entry in the traffic upload payload. UUID is
// omitted from JSON since the upload endpoint identifies users by ID. "u"
// is rx (bytes delivered to the client) and "d" is tx (bytes delivered
// upstream), per the control plane's own naming.
type trafficUpdate struct {
	UserID uint64 `json:"user_id"`
	Upload uint64 `json:"u"`
	Download uint64 `json:"d"`
}

// ipReport is one entry in the IP upload payload.
type ipReport struct {
	UserID uint64 `json:"user_id"`
	IP     string `json:"ip"`
}

// nodeInfoBody is the body posted to /nodes/{id}/info: a small node-stat
// row so the control plane can factor node health into routing decisions.
type nodeInfoBody struct {
	Uptime float64 `json:"uptime"`
	Load   float64 `json:"load"`
}

func toTrafficUpdate(d userstore.TrafficDelta) trafficUpdate {
	return trafficUpdate{UserID: d.UserID, Upload: d.Rx, Download: d.Tx}
}

func toIPReport(r userstore.IPReport) ipReport {
	return ipReport{UserID: r.UserID, IP: r.IP.String()}
}
