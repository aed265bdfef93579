package ovirtapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListStorageDomains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Correlation-Id") == "" {
			t.Errorf("expected a Correlation-Id header")
		}
		w.Write([]byte(`{"storage_domain":[{"id":"abc","name":"data1","type":"data","storage":{"type":"NFS"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "admin@internal", "secret", false)
	domains, err := c.ListStorageDomains()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(domains) != 1 || domains[0].ID != "abc" || domains[0].Storage.Type != "NFS" {
		t.Fatalf("unexpected domains: %+v", domains)
	}
}

func TestRemoveDiskTreats404AsAlreadyRemoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin@internal", "secret", false)
	if err := c.RemoveDisk("missing-id"); err != nil {
		t.Fatalf("expected nil error on 404, got %v", err)
	}
}

func TestRemoveDiskPropagatesOtherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "admin@internal", "secret", false)
	if err := c.RemoveDisk("some-id"); err == nil {
		t.Fatalf("expected an error on 500 response")
	}
}

func TestListTransfersAndCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ovirt-engine/api/imagetransfers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"image_transfer":[{"id":"t1","phase":"transferring","image":{"id":"img1"}}]}`))
	})
	mux.HandleFunc("/ovirt-engine/api/imagetransfers/t1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "admin@internal", "secret", false)
	transfers, err := c.ListTransfers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Image.ID != "img1" {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
	if err := c.CancelTransfer("t1"); err != nil {
		t.Fatalf("unexpected error cancelling transfer: %v", err)
	}
}
