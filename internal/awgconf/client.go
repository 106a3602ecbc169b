package awgconf

import (
	"fmt"
	"strconv"
	"strings"

	"awgctl/internal/config"
	"awgctl/internal/errors"
)

// ClientParams is everything needed to render a peer's own config file.
type ClientParams struct {
	PrivateKey      string
	Address         string
	DNS             string
	Obfuscation     config.Obfuscation
	ServerPublicKey string
	Endpoint        string
	AllowedIPs      []string
	KeepaliveSec    int
}

// DefaultClientAllowedIPs routes all traffic through the tunnel.
var DefaultClientAllowedIPs = []string{"0.0.0.0/0", "::/0"}

// RenderClient renders the config handed to a peer. The obfuscation params
// must match the server's [Interface] section exactly.
func RenderClient(p ClientParams) (string, error) {
	if p.PrivateKey == "" {
		return "", fmt.Errorf("client private key is required")
	}
	if p.Address == "" {
		return "", fmt.Errorf("client address is required")
	}
	if p.ServerPublicKey == "" {
		return "", fmt.Errorf("server public key is required")
	}
	if p.Endpoint == "" {
		return "", fmt.Errorf("server endpoint is required")
	}
	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = DefaultClientAllowedIPs
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = ")
	b.WriteString(p.PrivateKey)
	b.WriteString("\n")
	b.WriteString("Address = ")
	b.WriteString(p.Address)
	b.WriteString("\n")
	if p.DNS != "" {
		b.WriteString("DNS = ")
		b.WriteString(p.DNS)
		b.WriteString("\n")
	}
	for _, kv := range p.Obfuscation.Fields() {
		fmt.Fprintf(&b, "%s = %s\n", kv[0], kv[1])
	}

	b.WriteString("\n[Peer]\n")
	b.WriteString("PublicKey = ")
	b.WriteString(p.ServerPublicKey)
	b.WriteString("\n")
	b.WriteString("Endpoint = ")
	b.WriteString(p.Endpoint)
	b.WriteString("\n")
	b.WriteString("AllowedIPs = ")
	b.WriteString(strings.Join(allowed, ", "))
	b.WriteString("\n")
	if p.KeepaliveSec > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.KeepaliveSec)
	}

	return b.String(), nil
}

// ServerParams seeds a brand-new server config file.
type ServerParams struct {
	PrivateKey      string
	Address         string
	ListenPort      int
	EgressInterface string
	Obfuscation     config.Obfuscation
}

// NewServerDocument builds the [Interface] section written by `awgctl init`.
// PostUp/PostDown keep the file usable with plain awg-quick.
func NewServerDocument(p ServerParams) *Document {
	fields := []Field{
		{KeyPrivateKey, p.PrivateKey},
		{KeyAddress, p.Address},
		{KeyListenPort, fmt.Sprintf("%d", p.ListenPort)},
	}
	if p.EgressInterface != "" {
		fields = append(fields,
			Field{"PostUp", fmt.Sprintf("iptables -A FORWARD -i %%i -j ACCEPT; iptables -t nat -A POSTROUTING -o %s -j MASQUERADE", p.EgressInterface)},
			Field{"PostDown", fmt.Sprintf("iptables -D FORWARD -i %%i -j ACCEPT; iptables -t nat -D POSTROUTING -o %s -j MASQUERADE", p.EgressInterface)},
		)
	}
	return NewDocument(append(fields, ObfuscationFields(p.Obfuscation)...)...)
}

// ObfuscationFields converts the parameter set to [Interface] fields.
func ObfuscationFields(o config.Obfuscation) []Field {
	kvs := o.Fields()
	out := make([]Field, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, Field{Key: kv[0], Value: kv[1]})
	}
	return out
}

// ReadObfuscation reads the parameter set from an [Interface] section.
// Parameters the section lacks keep their value from base and are listed
// in missing.
func ReadObfuscation(sec *Section, base config.Obfuscation) (config.Obfuscation, []string, error) {
	o := base
	ints := map[string]*int{"jc": &o.Jc, "jmin": &o.Jmin, "jmax": &o.Jmax, "s1": &o.S1, "s2": &o.S2}
	hs := map[string]*uint32{"h1": &o.H1, "h2": &o.H2, "h3": &o.H3, "h4": &o.H4}

	var missing []string
	for _, kv := range base.Fields() {
		key := kv[0]
		v, ok := sec.Get(key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		v = strings.TrimSpace(v)
		if p, ok := ints[strings.ToLower(key)]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return base, nil, errors.Attr(errors.Wrapf(err, errors.KindConfig, "[Interface] %s %q is invalid", key, v), "field", key)
			}
			*p = n
			continue
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return base, nil, errors.Attr(errors.Wrapf(err, errors.KindConfig, "[Interface] %s %q is invalid", key, v), "field", key)
		}
		*hs[strings.ToLower(key)] = uint32(n)
	}
	return o, missing, nil
}
