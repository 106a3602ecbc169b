package wireguard

import (
	"strconv"
	"strings"
	"time"

	"awgctl/internal/errors"
	"awgctl/internal/model"
)

// ParseDump parses `awg show <iface> dump`. The first line describes the
// interface; each following line is a peer:
//
//	public-key preshared-key endpoint allowed-ips latest-handshake rx tx keepalive
//
// Empty output yields no peers. Anything else that does not match the
// format is a KindProcess error; no partial snapshot is returned.
func ParseDump(dump string) (map[string]model.Counters, error) {
	out := map[string]model.Counters{}
	dump = strings.TrimSpace(dump)
	if dump == "" {
		return out, nil
	}
	lines := strings.Split(dump, "\n")
	if n := len(splitDumpLine(lines[0])); n != 4 {
		return nil, errors.Errorf(errors.KindProcess, "awg dump: interface line has %d fields, want 4", n)
	}
	for i, line := range lines[1:] {
		fields := splitDumpLine(line)
		if len(fields) < 7 || fields[0] == "" {
			return nil, errors.Errorf(errors.KindProcess, "awg dump: peer line %d has %d fields, want 8", i+2, len(fields))
		}
		rx, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindProcess, "awg dump: peer line %d rx", i+2)
		}
		tx, err := strconv.ParseUint(fields[6], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindProcess, "awg dump: peer line %d tx", i+2)
		}
		c := model.Counters{Received: rx, Sent: tx}
		if hs, err := strconv.ParseInt(fields[4], 10, 64); err == nil && hs > 0 {
			c.LatestHandshake = time.Unix(hs, 0).UTC()
		}
		if ep := fields[2]; ep != "" && ep != "(none)" && ep != "0.0.0.0:0" && ep != "[::]:0" {
			c.Endpoint = ep
		}
		out[fields[0]] = c
	}
	return out, nil
}

func splitDumpLine(line string) []string {
	line = strings.TrimSpace(line)
	if strings.Contains(line, "\t") {
		return strings.Split(line, "\t")
	}
	return strings.Fields(line)
}
