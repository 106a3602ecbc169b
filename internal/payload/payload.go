// Package payload builds AmneziaVPN import links.
package payload

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"awgctl/internal/config"
)

const (
	// Scheme prefixes the encoded payload in text links.
	Scheme = "vpn://"

	containerName = "amnezia-awg"
	description   = "Amne Server"
)

var magic = [4]byte{0x07, 0xc0, 0x01, 0x00}

// Params describes one issued client.
type Params struct {
	Config          string // rendered client INI
	PrivateKey      string
	Address         string // client address, prefix optional
	ServerPublicKey string
	Host            string
	Port            int
	DNS             string
	MTU             int
	KeepaliveSec    int
	AllowedIPs      []string
	Obfuscation     config.Obfuscation
}

type document struct {
	Containers       []container `json:"containers"`
	DefaultContainer string      `json:"defaultContainer"`
	Description      string      `json:"description"`
	DNS1             string      `json:"dns1"`
	DNS2             string      `json:"dns2"`
	HostName         string      `json:"hostName"`
}

type container struct {
	AWG       awgContainer `json:"awg"`
	Container string       `json:"container"`
}

type awgContainer struct {
	obfuscation
	LastConfig     string `json:"last_config"`
	Port           string `json:"port"`
	TransportProto string `json:"transport_proto"`
}

type obfuscation struct {
	H1   string `json:"H1"`
	H2   string `json:"H2"`
	H3   string `json:"H3"`
	H4   string `json:"H4"`
	Jc   string `json:"Jc"`
	Jmax string `json:"Jmax"`
	Jmin string `json:"Jmin"`
	S1   string `json:"S1"`
	S2   string `json:"S2"`
}

type lastConfig struct {
	obfuscation
	AllowedIPs          []string `json:"allowed_ips"`
	ClientIP            string   `json:"client_ip"`
	ClientPrivKey       string   `json:"client_priv_key"`
	Config              string   `json:"config"`
	HostName            string   `json:"hostName"`
	MTU                 string   `json:"mtu"`
	PersistentKeepAlive string   `json:"persistent_keep_alive"`
	Port                int      `json:"port"`
	ServerPubKey        string   `json:"server_pub_key"`
	TransportProto      string   `json:"transport_proto"`
}

func obfuscationStrings(o config.Obfuscation) obfuscation {
	u := func(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
	return obfuscation{
		H1:   u(o.H1),
		H2:   u(o.H2),
		H3:   u(o.H3),
		H4:   u(o.H4),
		Jc:   strconv.Itoa(o.Jc),
		Jmax: strconv.Itoa(o.Jmax),
		Jmin: strconv.Itoa(o.Jmin),
		S1:   strconv.Itoa(o.S1),
		S2:   strconv.Itoa(o.S2),
	}
}

// Document renders the JSON document carried by the payload.
func Document(p Params) ([]byte, error) {
	if p.Host == "" || p.Port <= 0 {
		return nil, fmt.Errorf("payload requires server host and port")
	}
	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0", "::/0"}
	}
	mtu := p.MTU
	if mtu == 0 {
		mtu = config.DefaultMTU
	}
	keepalive := p.KeepaliveSec
	if keepalive == 0 {
		keepalive = config.DefaultKeepaliveSec
	}
	obf := obfuscationStrings(p.Obfuscation)

	inner, err := json.Marshal(lastConfig{
		obfuscation:         obf,
		AllowedIPs:          allowed,
		ClientIP:            strings.SplitN(p.Address, "/", 2)[0],
		ClientPrivKey:       p.PrivateKey,
		Config:              p.Config,
		HostName:            p.Host,
		MTU:                 strconv.Itoa(mtu),
		PersistentKeepAlive: strconv.Itoa(keepalive),
		Port:                p.Port,
		ServerPubKey:        p.ServerPublicKey,
		TransportProto:      "udp",
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(document{
		Containers: []container{{
			AWG: awgContainer{
				obfuscation:    obf,
				LastConfig:     string(inner),
				Port:           strconv.Itoa(p.Port),
				TransportProto: "udp",
			},
			Container: containerName,
		}},
		DefaultContainer: containerName,
		Description:      description,
		DNS1:             p.DNS,
		DNS2:             "",
		HostName:         p.Host,
	})
}

// Encode returns the payload without the scheme: unpadded URL-safe base64
// of a 12-byte header followed by the zlib-compressed document.
//
// Header: magic 07 c0 01 00, big-endian uint32 of 4+len(compressed),
// big-endian uint32 of the uncompressed length.
func Encode(p Params) (string, error) {
	doc, err := Document(p)
	if err != nil {
		return "", err
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(doc); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	out := make([]byte, 12, 12+compressed.Len())
	copy(out, magic[:])
	binary.BigEndian.PutUint32(out[4:8], uint32(4+compressed.Len()))
	binary.BigEndian.PutUint32(out[8:12], uint32(len(doc)))
	out = append(out, compressed.Bytes()...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Link is Encode with the vpn:// scheme.
func Link(p Params) (string, error) {
	data, err := Encode(p)
	if err != nil {
		return "", err
	}
	return Scheme + data, nil
}

// Decode reverses Encode and returns the JSON document. It accepts input
// with or without the scheme.
func Decode(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), Scheme))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) < 12 || !bytes.Equal(raw[:4], magic[:]) {
		return nil, fmt.Errorf("decode payload: bad header")
	}
	remaining := binary.BigEndian.Uint32(raw[4:8])
	size := binary.BigEndian.Uint32(raw[8:12])
	if int(remaining) != len(raw)-8 {
		return nil, fmt.Errorf("decode payload: length %d does not match %d", remaining, len(raw)-8)
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw[12:]))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	defer zr.Close()
	var doc bytes.Buffer
	if _, err := doc.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if doc.Len() != int(size) {
		return nil, fmt.Errorf("decode payload: size %d does not match %d", doc.Len(), size)
	}
	return doc.Bytes(), nil
}
