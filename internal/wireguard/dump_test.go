package wireguard

import (
	"testing"
	"time"

	"awgctl/internal/errors"
)

const dumpHeader = "priv\tpub\t51820\toff\n"

func TestParseDump(t *testing.T) {
	t.Parallel()

	dump := dumpHeader +
		"puba\t(none)\t39.1.2.3:12345\t10.8.0.2/32\t1700000000\t100\t200\t25\n" +
		"pubb\t(none)\t(none)\t10.8.0.3/32\t0\t0\t0\toff\n" +
		"pubc\t(none)\t[2001:db8::1]:51820\t10.8.0.4/32\t0\t5\t6\toff\n"

	m, err := ParseDump(dump)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 3 {
		t.Fatalf("peers=%d (%v)", len(m), m)
	}
	a := m["puba"]
	if a.Received != 100 || a.Sent != 200 || a.Endpoint != "39.1.2.3:12345" {
		t.Fatalf("puba=%+v", a)
	}
	if !a.LatestHandshake.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("handshake=%v", a.LatestHandshake)
	}
	b := m["pubb"]
	if b.Endpoint != "" || !b.LatestHandshake.IsZero() {
		t.Fatalf("pubb=%+v", b)
	}
	if got := m["pubc"].Endpoint; got != "[2001:db8::1]:51820" {
		t.Fatalf("pubc=%q", got)
	}
}

func TestParseDump_InterfaceOnly(t *testing.T) {
	t.Parallel()

	for _, in := range []string{dumpHeader, "", "\n"} {
		m, err := ParseDump(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if len(m) != 0 {
			t.Fatalf("%q: peers=%v", in, m)
		}
	}
}

func TestParseDump_Malformed(t *testing.T) {
	t.Parallel()

	good := "puba\t(none)\t(none)\t10.8.0.2/32\t0\t1\t2\toff\n"
	cases := map[string]string{
		"short peer line": dumpHeader + good + "broken\tline\n",
		"non-numeric rx":  dumpHeader + "pubd\t(none)\t(none)\t10.8.0.5/32\t0\tNaN\t0\toff\n",
		"non-numeric tx":  dumpHeader + "pubd\t(none)\t(none)\t10.8.0.5/32\t0\t0\t-\toff\n",
		"no header":       good,
		"error text":      "Unable to access interface: No such device\n",
	}
	for name, in := range cases {
		m, err := ParseDump(in)
		if err == nil {
			t.Fatalf("%s: expected error, got %v", name, m)
		}
		if k := errors.GetKind(err); k != errors.KindProcess {
			t.Fatalf("%s: kind=%v", name, k)
		}
	}
}
