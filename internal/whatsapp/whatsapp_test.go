package whatsapp

import (
	"context"
	"net/http"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestHasForeignKeys(t *testing.T) {
	tests := map[string]bool{
		"/tmp/whatsmeow.db":                       false,
		"file:/tmp/whatsmeow.db?_foreign_keys=on": true,
		"/tmp/whatsmeow.db?foreign_keys=on":       true,
		"file:/var/lib/flowpipe/wa.db?_fk=1":      false,
	}
	for dsn, want := range tests {
		if got := hasForeignKeys(dsn); got != want {
			t.Errorf("hasForeignKeys(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/flowpipe/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)

	if opts.QRPath != testPath {
		t.Errorf("Expected QRPath to be %q, got %q", testPath, opts.QRPath)
	}
}

func TestWithNumericCodeOption(t *testing.T) {
	opts := &Opts{}

	WithNumericCode()(opts)

	if !opts.NumericCode {
		t.Errorf("Expected NumericCode to be true, got false")
	}
}

func TestSessionAndTransportOptions(t *testing.T) {
	opts := &Opts{}
	client := &http.Client{}

	WithSessionID("sales")(opts)
	WithLogLevel("DEBUG")(opts)
	WithHTTPClient(client)(opts)

	if opts.SessionID != "sales" {
		t.Errorf("Expected SessionID to be %q, got %q", "sales", opts.SessionID)
	}
	if opts.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel to be %q, got %q", "DEBUG", opts.LogLevel)
	}
	if opts.HTTPClient != client {
		t.Error("Expected HTTPClient to be the provided client")
	}
}

func TestMockClientRecordsPayloads(t *testing.T) {
	mock := NewMockClient()
	var _ Sender = mock

	if err := mock.SendPayload(context.Background(), "15551230001", models.TextPayload{Text: "hi"}); err != nil {
		t.Fatalf("SendPayload returned error: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].To != "15551230001" {
		t.Fatalf("unexpected sends: %+v", sent)
	}

	mock.Err = ErrNotInitialized
	if err := mock.SendPayload(context.Background(), "1", models.TextPayload{Text: "x"}); err != ErrNotInitialized {
		t.Errorf("expected configured error, got %v", err)
	}
}
