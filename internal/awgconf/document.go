package awgconf

import (
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awgctl/internal/errors"
)

const (
	SectionInterface = "Interface"
	SectionPeer      = "Peer"

	KeyPrivateKey = "PrivateKey"
	KeyPublicKey  = "PublicKey"
	KeyListenPort = "ListenPort"
	KeyAddress    = "Address"
	KeyAllowedIPs = "AllowedIPs"
)

// Keys only awg-quick understands. They are dropped from the stripped form
// handed to `awg setconf`/`awg syncconf`.
var quickOnlyKeys = map[string]bool{
	"address":    true,
	"dns":        true,
	"mtu":        true,
	"table":      true,
	"preup":      true,
	"postup":     true,
	"predown":    true,
	"postdown":   true,
	"saveconfig": true,
}

// Field is one key = value pair.
type Field struct {
	Key   string
	Value string
}

// Entry is a line inside a section. Comments, blank lines and lines the
// parser does not understand have an empty Key and are kept verbatim.
type Entry struct {
	Key   string
	Value string
	raw   string
}

// Section is one [Name] block. leading holds the blank and comment lines
// directly above the header so they travel with the section.
type Section struct {
	Name    string
	Entries []Entry
	header  string
	leading []string
}

// Document is an order-preserving view of an AmneziaWG config file.
type Document struct {
	Sections []*Section
	preamble []string
	trailer  []string
	noEOL    bool
}

// Parse reads a config file. It never rejects content; use Validate for that.
func Parse(data []byte) *Document {
	doc := &Document{}
	text := string(data)
	if text == "" {
		return doc
	}
	if strings.HasSuffix(text, "\n") {
		text = strings.TrimSuffix(text, "\n")
	} else {
		doc.noEOL = true
	}

	var cur *Section
	var pending []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			cur = &Section{
				Name:    strings.TrimSpace(trimmed[1 : len(trimmed)-1]),
				header:  line,
				leading: pending,
			}
			pending = nil
			doc.Sections = append(doc.Sections, cur)
			continue
		}
		if cur == nil {
			doc.preamble = append(doc.preamble, line)
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
			pending = append(pending, line)
			continue
		}
		for _, p := range pending {
			cur.Entries = append(cur.Entries, Entry{raw: p})
		}
		pending = nil

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			cur.Entries = append(cur.Entries, Entry{raw: line})
			continue
		}
		cur.Entries = append(cur.Entries, Entry{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
			raw:   line,
		})
	}
	doc.trailer = pending
	return doc
}

// NewDocument builds a document holding a single [Interface] section.
func NewDocument(iface ...Field) *Document {
	sec := &Section{Name: SectionInterface, header: "[" + SectionInterface + "]"}
	for _, f := range iface {
		sec.Set(f.Key, f.Value)
	}
	return &Document{Sections: []*Section{sec}}
}

// Bytes serializes the document. Untouched lines are emitted exactly as read.
func (d *Document) Bytes() []byte {
	var lines []string
	lines = append(lines, d.preamble...)
	for _, sec := range d.Sections {
		lines = append(lines, sec.leading...)
		lines = append(lines, sec.header)
		for _, e := range sec.Entries {
			lines = append(lines, e.raw)
		}
	}
	lines = append(lines, d.trailer...)
	if len(lines) == 0 {
		return nil
	}
	out := strings.Join(lines, "\n")
	if !d.noEOL {
		out += "\n"
	}
	return []byte(out)
}

// Strip renders only [Section] headers and key = value lines, without the
// keys that belong to awg-quick. The result is accepted by `awg setconf`.
func (d *Document) Strip() []byte {
	var b strings.Builder
	for i, sec := range d.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[")
		b.WriteString(sec.Name)
		b.WriteString("]\n")
		for _, e := range sec.Entries {
			if e.Key == "" {
				continue
			}
			if strings.EqualFold(sec.Name, SectionInterface) && quickOnlyKeys[strings.ToLower(e.Key)] {
				continue
			}
			b.WriteString(e.Key)
			b.WriteString(" = ")
			b.WriteString(e.Value)
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

// Interface returns the first [Interface] section, or nil.
func (d *Document) Interface() *Section {
	for _, sec := range d.Sections {
		if strings.EqualFold(sec.Name, SectionInterface) {
			return sec
		}
	}
	return nil
}

// Peers returns the [Peer] sections in file order.
func (d *Document) Peers() []*Section {
	var peers []*Section
	for _, sec := range d.Sections {
		if strings.EqualFold(sec.Name, SectionPeer) {
			peers = append(peers, sec)
		}
	}
	return peers
}

// FindPeer returns the [Peer] section whose PublicKey matches.
func (d *Document) FindPeer(publicKey string) *Section {
	_, sec := d.findPeer(publicKey)
	return sec
}

func (d *Document) findPeer(publicKey string) (int, *Section) {
	for i, sec := range d.Sections {
		if !strings.EqualFold(sec.Name, SectionPeer) {
			continue
		}
		if v, ok := sec.Get(KeyPublicKey); ok && v == publicKey {
			return i, sec
		}
	}
	return -1, nil
}

// UpsertPeer creates or updates the [Peer] section for publicKey. An existing
// section keeps its position and its other keys; a new one is appended.
// It reports whether a section was created.
func (d *Document) UpsertPeer(publicKey string, fields ...Field) bool {
	if _, sec := d.findPeer(publicKey); sec != nil {
		for _, f := range fields {
			sec.Set(f.Key, f.Value)
		}
		return false
	}

	sec := &Section{Name: SectionPeer, header: "[" + SectionPeer + "]"}
	if len(d.Sections) > 0 || len(d.preamble) > 0 {
		sec.leading = []string{""}
	}
	sec.Set(KeyPublicKey, publicKey)
	for _, f := range fields {
		sec.Set(f.Key, f.Value)
	}
	d.Sections = append(d.Sections, sec)
	return true
}

// RemovePeer deletes the [Peer] section for publicKey along with the blank
// and comment lines above it. It reports whether a section was removed.
func (d *Document) RemovePeer(publicKey string) bool {
	i, sec := d.findPeer(publicKey)
	if sec == nil {
		return false
	}
	d.Sections = append(d.Sections[:i], d.Sections[i+1:]...)
	return true
}

// Validate checks the mandatory fields of the interface and every peer.
func (d *Document) Validate() error {
	iface := d.Interface()
	if iface == nil {
		return errors.New(errors.KindConfig, "missing [Interface] section")
	}
	priv, ok := iface.Get(KeyPrivateKey)
	if !ok || priv == "" {
		return errors.Attr(errors.New(errors.KindConfig, "[Interface] PrivateKey is required"), "field", KeyPrivateKey)
	}
	if _, err := wgtypes.ParseKey(priv); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindConfig, "[Interface] PrivateKey is malformed"), "field", KeyPrivateKey)
	}
	port, ok := iface.Get(KeyListenPort)
	if !ok || port == "" {
		return errors.Attr(errors.New(errors.KindConfig, "[Interface] ListenPort is required"), "field", KeyListenPort)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return errors.Attr(errors.Errorf(errors.KindConfig, "[Interface] ListenPort %q is invalid", port), "field", KeyListenPort)
	}

	seen := make(map[string]bool)
	for i, sec := range d.Peers() {
		pub, ok := sec.Get(KeyPublicKey)
		if !ok || pub == "" {
			return errors.Errorf(errors.KindConfig, "[Peer] #%d has no PublicKey", i+1)
		}
		if _, err := wgtypes.ParseKey(pub); err != nil {
			return errors.Wrapf(err, errors.KindConfig, "[Peer] #%d PublicKey is malformed", i+1)
		}
		if seen[pub] {
			return errors.Errorf(errors.KindConfig, "[Peer] %s appears twice", pub)
		}
		seen[pub] = true
	}
	return nil
}

// Get returns the value of the first entry matching key, case-insensitively.
func (s *Section) Get(key string) (string, bool) {
	for _, e := range s.Entries {
		if e.Key != "" && strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}
	return "", false
}

// Set replaces the value of key in place, or appends it when absent.
// It reports whether the stored value changed.
func (s *Section) Set(key, value string) bool {
	for i := range s.Entries {
		e := &s.Entries[i]
		if e.Key == "" || !strings.EqualFold(e.Key, key) {
			continue
		}
		if e.Value == value {
			return false
		}
		e.Value = value
		e.raw = e.Key + " = " + value
		return true
	}
	s.Entries = append(s.Entries, Entry{Key: key, Value: value, raw: key + " = " + value})
	return true
}

// SetMissing appends key only when the section does not already have it.
func (s *Section) SetMissing(key, value string) bool {
	if _, ok := s.Get(key); ok {
		return false
	}
	return s.Set(key, value)
}

// Fields returns the key/value entries in order.
func (s *Section) Fields() []Field {
	out := make([]Field, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Key != "" {
			out = append(out, Field{Key: e.Key, Value: e.Value})
		}
	}
	return out
}
