package cluster

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
)

// Role is the tier a node plays in the coordination tree.
type Role string

const (
	RoleBrain   Role = "brain"
	RoleServer  Role = "server"
	RoleCluster Role = "cluster"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBrain, RoleServer, RoleCluster:
		return true
	}
	return false
}

// ChildRole returns the only role allowed to register with r.
// A Brain accepts Servers, a Server accepts Clusters, a Cluster accepts nobody.
func (r Role) ChildRole() (Role, bool) {
	switch r {
	case RoleBrain:
		return RoleServer, true
	case RoleServer:
		return RoleCluster, true
	}
	return "", false
}

// NodeIdentity is granted by the parent on successful registration and is
// immutable for the lifetime of the connection that received it.
type NodeIdentity struct {
	Role      Role `json:"role" yaml:"role"`
	UID       int  `json:"uid" yaml:"uid"`
	ParentUID int  `json:"parent_uid,omitempty" yaml:"parent_uid,omitempty"` // 0 means no parent
}

func (id NodeIdentity) String() string {
	if id.ParentUID == 0 {
		return fmt.Sprintf("%s/%d", id.Role, id.UID)
	}
	return fmt.Sprintf("%s/%d@%d", id.Role, id.UID, id.ParentUID)
}

// Credential is supplied at process start and held read-only by connections.
// The token is verified once during the handshake and never re-sent.
type Credential struct {
	Token string
	TLS   *tls.Config // nil for plaintext transport
}

// Targets are the declared topology sizes. TotalShards is fixed for the
// lifetime of a topology; changing it needs a full restart.
type Targets struct {
	TotalServers      int `json:"total_servers" yaml:"total_servers"`
	ClustersPerServer int `json:"clusters_per_server" yaml:"clusters_per_server"`
	ShardsPerCluster  int `json:"shards_per_cluster" yaml:"shards_per_cluster"`
}

// TotalClusters is the number of clusters across all servers.
func (t Targets) TotalClusters() int {
	return t.TotalServers * t.ClustersPerServer
}

// TotalShards is the number of shards across all clusters.
func (t Targets) TotalShards() int {
	return t.TotalClusters() * t.ShardsPerCluster
}

// ShardsPerServer is the size of one server slot.
func (t Targets) ShardsPerServer() int {
	return t.ClustersPerServer * t.ShardsPerCluster
}

// Validate rejects non-positive targets.
func (t Targets) Validate() error {
	if t.TotalServers <= 0 || t.ClustersPerServer <= 0 || t.ShardsPerCluster <= 0 {
		return fmt.Errorf("invalid targets %+v: all values must be positive", t)
	}
	return nil
}

// Requests are bounded by their context, so a drain can outlast a fixed
// client timeout.
var httpClient = &http.Client{}

// PostJSON sends body as JSON to url and decodes the response into out when
// out is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
