// Package ovirtapi is the opaque oVirt/RHV REST client capability the RHV
// back-end uses (spec.md Design Notes §9): list_transfers, cancel_transfer,
// get_disk, remove_disk, list_storage_domains. It deliberately exposes only
// the handful of calls the back-end needs, not a general SDK surface.
package ovirtapi

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one oVirt/RHV engine's REST API.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New constructs a Client. insecure disables TLS certificate verification,
// matching the request's insecure_connection flag.
func New(baseURL, username, password string, insecure bool) *Client {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in via insecure_connection
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body any, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build oVirt API request %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	correlationID := uuid.NewString()
	req.Header.Set("Correlation-Id", correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oVirt API request %s %s failed (correlation-id %s): %w", method, path, correlationID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("oVirt API request %s %s returned status %d (correlation-id %s)", method, path, resp.StatusCode, correlationID)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode oVirt API response for %s %s: %w", method, path, err)
	}
	return nil
}

// StorageDomain is the subset of an oVirt storage domain this wrapper needs.
type StorageDomain struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // data, export, iso
	// Storage carries the backing storage type (CINDER, FCP, GLUSTERFS,
	// ISCSI, POSIXFS, NFS, ...), used by the allocation-default rule in
	// spec.md §4.6 validate().
	Storage struct {
		Type string `json:"type"`
	} `json:"storage"`
}

type storageDomainsResponse struct {
	StorageDomain []StorageDomain `json:"storage_domain"`
}

// ListStorageDomains lists every storage domain visible to the engine.
func (c *Client) ListStorageDomains() ([]StorageDomain, error) {
	var out storageDomainsResponse
	if err := c.do(http.MethodGet, "/ovirt-engine/api/storagedomains", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list storage domains: %w", err)
	}
	return out.StorageDomain, nil
}

// Disk is the subset of an oVirt disk this wrapper needs.
type Disk struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// GetDisk fetches one disk by id.
func (c *Client) GetDisk(id string) (*Disk, error) {
	var out Disk
	if err := c.do(http.MethodGet, "/ovirt-engine/api/disks/"+id, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get disk %s: %w", id, err)
	}
	return &out, nil
}

// RemoveDisk deletes a disk by id. A 404 is treated as already-removed.
func (c *Client) RemoveDisk(id string) error {
	err := c.do(http.MethodDelete, "/ovirt-engine/api/disks/"+id, nil, nil)
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove disk %s: %w", id, err)
}

// Transfer is the subset of an oVirt image transfer this wrapper needs.
type Transfer struct {
	ID    string `json:"id"`
	Image struct {
		ID string `json:"id"`
	} `json:"image"`
	Phase string `json:"phase"`
}

type transfersResponse struct {
	ImageTransfer []Transfer `json:"image_transfer"`
}

// ListTransfers lists all outstanding image transfers.
func (c *Client) ListTransfers() ([]Transfer, error) {
	var out transfersResponse
	if err := c.do(http.MethodGet, "/ovirt-engine/api/imagetransfers", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list image transfers: %w", err)
	}
	return out.ImageTransfer, nil
}

// CancelTransfer cancels one outstanding transfer by id.
func (c *Client) CancelTransfer(id string) error {
	if err := c.do(http.MethodPost, "/ovirt-engine/api/imagetransfers/"+id+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("failed to cancel image transfer %s: %w", id, err)
	}
	return nil
}

func isNotFound(err error) bool {
	// do() folds the status code into the error text; a 404 is treated as
	// "already gone" per spec.md §4.6 cleanup ("treat not found as
	// already-removed").
	return err != nil && strings.Contains(err.Error(), "status 404")
}
