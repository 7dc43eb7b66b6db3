package archive

import (
	"context"
	"testing"
)

// TestNew_BuildsClientWithoutNetworkCall confirms New can construct an
// Archiver purely from static credentials, with no outbound call and no
// dependency on ambient AWS config files being present in the test
// environment.
func TestNew_BuildsClientWithoutNetworkCall(t *testing.T) {
	a, err := New(context.Background(), "scan-archive", Options{
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.bucket != "scan-archive" {
		t.Errorf("bucket = %q", a.bucket)
	}
	if a.client == nil {
		t.Error("client is nil")
	}
}
