package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"awgctl/internal/model"
)

func TestWriteCSV_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []model.StatSample{
		{Timestamp: time.Unix(60, 0).UTC(), Seq: 1, PublicKey: "pa", Epoch: 1, RxBytes: 10, TxBytes: 20, RxDelta: 10, TxDelta: 20},
		{Timestamp: time.Unix(120, 0).UTC(), Seq: 2, PublicKey: "pa", Epoch: 2, RxBytes: 0, TxBytes: 0},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "timestamp,seq,public_key,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	path := filepath.Join(t.TempDir(), "samples.csv")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("samples=%d", len(out))
	}
	for i := range in {
		got, want := out[i], in[i]
		if !got.Timestamp.Equal(want.Timestamp) {
			t.Fatalf("timestamp[%d]=%v", i, got.Timestamp)
		}
		got.Timestamp, want.Timestamp = time.Time{}, time.Time{}
		if got != want {
			t.Fatalf("sample[%d]=%+v want %+v", i, got, want)
		}
	}
}

func TestReadCSV_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := readCSV(strings.NewReader("timestamp,seq\nnope,1\n")); err == nil {
		t.Fatalf("expected error for short record")
	}
	bad := "2024-01-01T00:00:00Z,1,pa,1,x,0,0,0\n"
	if _, err := readCSV(strings.NewReader(bad)); err == nil {
		t.Fatalf("expected error for bad number")
	}
}
