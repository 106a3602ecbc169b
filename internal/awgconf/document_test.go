package awgconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awgctl/internal/config"
	"awgctl/internal/errors"
)

func newKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k
}

func serverConf(t *testing.T) string {
	t.Helper()
	return "# managed by awgctl\n" +
		"[Interface]\n" +
		"PrivateKey = " + newKey(t).String() + "\n" +
		"Address = 10.8.0.1/24\n" +
		"ListenPort = 51820\n" +
		"FwMark = 0x1234\n" +
		"Jc = 2\n" +
		"H4 = 432419882\n"
}

func TestParse_RoundTripIsVerbatim(t *testing.T) {
	t.Parallel()

	in := serverConf(t) +
		"\n; first client\n" +
		"[Peer]\n" +
		"PublicKey=" + newKey(t).PublicKey().String() + "\n" +
		"  AllowedIPs   =  10.8.0.2/32\n" +
		"# trailing comment\n"

	doc := Parse([]byte(in))
	assert.Equal(t, in, string(doc.Bytes()))
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Peers(), 1)

	v, ok := doc.Interface().Get("fwmark")
	require.True(t, ok)
	assert.Equal(t, "0x1234", v)
}

func TestParse_NoFinalNewlinePreserved(t *testing.T) {
	t.Parallel()

	in := strings.TrimSuffix(serverConf(t), "\n")
	assert.Equal(t, in, string(Parse([]byte(in)).Bytes()))
}

func TestUpsertThenRemove_RestoresBytes(t *testing.T) {
	t.Parallel()

	existing := newKey(t).PublicKey().String()
	for _, in := range []string{
		serverConf(t),
		strings.TrimSuffix(serverConf(t), "\n"),
		serverConf(t) + "\n[Peer]\nPublicKey = " + existing + "\nAllowedIPs = 10.8.0.2/32\n\n\n",
	} {
		doc := Parse([]byte(in))
		pub := newKey(t).PublicKey().String()

		created := doc.UpsertPeer(pub, Field{KeyAllowedIPs, "10.8.0.3/32"})
		require.True(t, created)
		require.NoError(t, doc.Validate())
		assert.Contains(t, string(doc.Bytes()), "\n\n[Peer]\nPublicKey = "+pub+"\nAllowedIPs = 10.8.0.3/32")

		require.True(t, doc.RemovePeer(pub))
		assert.Equal(t, in, string(doc.Bytes()))
	}
}

func TestUpsert_UpdatesInPlace(t *testing.T) {
	t.Parallel()

	a := newKey(t).PublicKey().String()
	b := newKey(t).PublicKey().String()
	doc := Parse([]byte(serverConf(t)))
	doc.UpsertPeer(a, Field{KeyAllowedIPs, "10.8.0.2/32"})
	doc.UpsertPeer(b, Field{KeyAllowedIPs, "10.8.0.3/32"})
	before := string(doc.Bytes())

	// Idempotent.
	assert.False(t, doc.UpsertPeer(a, Field{KeyAllowedIPs, "10.8.0.2/32"}))
	assert.Equal(t, before, string(doc.Bytes()))

	assert.False(t, doc.UpsertPeer(a, Field{KeyAllowedIPs, "10.8.0.9/32"}))
	peers := doc.Peers()
	require.Len(t, peers, 2)
	pub, _ := peers[0].Get(KeyPublicKey)
	assert.Equal(t, a, pub, "updated peer keeps its position")
	ips, _ := peers[0].Get(KeyAllowedIPs)
	assert.Equal(t, "10.8.0.9/32", ips)
}

func TestValidate_MandatoryFields(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no interface":   "[Peer]\nPublicKey = x\n",
		"no private key": "[Interface]\nListenPort = 51820\n",
		"bad key":        "[Interface]\nPrivateKey = nope\nListenPort = 51820\n",
		"no port":        "[Interface]\nPrivateKey = " + newKey(t).String() + "\n",
		"bad port":       "[Interface]\nPrivateKey = " + newKey(t).String() + "\nListenPort = 70000\n",
	}
	for name, in := range cases {
		err := Parse([]byte(in)).Validate()
		require.Error(t, err, name)
		assert.Equal(t, errors.KindConfig, errors.GetKind(err), name)
	}
}

func TestStrip_DropsQuickOnlyKeys(t *testing.T) {
	t.Parallel()

	doc := Parse([]byte(serverConf(t) + "PostUp = iptables -A FORWARD -i %i -j ACCEPT\nDNS = 1.1.1.1\n"))
	pub := newKey(t).PublicKey().String()
	doc.UpsertPeer(pub, Field{KeyAllowedIPs, "10.8.0.2/32"})

	out := string(doc.Strip())
	assert.NotContains(t, out, "Address")
	assert.NotContains(t, out, "PostUp")
	assert.NotContains(t, out, "DNS")
	assert.NotContains(t, out, "#")
	assert.Contains(t, out, "ListenPort = 51820\n")
	assert.Contains(t, out, "Jc = 2\n")
	assert.Contains(t, out, "[Peer]\nPublicKey = "+pub+"\nAllowedIPs = 10.8.0.2/32\n")
}

func TestStore_UpsertAndRemove(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "awg0.conf")
	in := serverConf(t)
	require.NoError(t, os.WriteFile(path, []byte(in), 0o600))

	s := NewStore(path)
	pub := newKey(t).PublicKey().String()
	require.NoError(t, s.UpsertPeer(pub, Field{KeyAllowedIPs, "10.8.0.2/32"}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, doc.FindPeer(pub))

	removed, err := s.RemovePeer(pub)
	require.NoError(t, err)
	assert.True(t, removed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, string(data))

	removed, err = s.RemovePeer(pub)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_LoadMissingIsConfigError(t *testing.T) {
	t.Parallel()

	_, err := NewStore(filepath.Join(t.TempDir(), "missing.conf")).Load()
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.GetKind(err))
}

func TestNewServerDocument(t *testing.T) {
	t.Parallel()

	doc := NewServerDocument(ServerParams{
		PrivateKey:      newKey(t).String(),
		Address:         "10.8.0.1/24",
		ListenPort:      51820,
		EgressInterface: "eth0",
		Obfuscation:     config.DefaultObfuscation(),
	})
	require.NoError(t, doc.Validate())

	out := string(doc.Bytes())
	assert.True(t, strings.HasPrefix(out, "[Interface]\nPrivateKey = "))
	assert.Contains(t, out, "PostUp = iptables -A FORWARD -i %i -j ACCEPT; iptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE\n")
	assert.Contains(t, out, "H1 = 1359490391\n")

	again := Parse(doc.Bytes())
	assert.Equal(t, out, string(again.Bytes()))
}

func TestRenderClient(t *testing.T) {
	t.Parallel()

	out, err := RenderClient(ClientParams{
		PrivateKey:      "priv",
		Address:         "10.8.0.2/32",
		DNS:             "1.1.1.1",
		Obfuscation:     config.DefaultObfuscation(),
		ServerPublicKey: "srvpub",
		Endpoint:        "vpn.example.com:51820",
		KeepaliveSec:    25,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "[Interface]\nPrivateKey = priv\nAddress = 10.8.0.2/32\nDNS = 1.1.1.1\nJc = 2\n")
	assert.Contains(t, out, "S2 = 28\n")
	assert.Contains(t, out, "[Peer]\nPublicKey = srvpub\nEndpoint = vpn.example.com:51820\nAllowedIPs = 0.0.0.0/0, ::/0\nPersistentKeepalive = 25\n")

	_, err = RenderClient(ClientParams{PrivateKey: "priv"})
	assert.Error(t, err)
}

func TestReadObfuscation(t *testing.T) {
	t.Parallel()

	base := config.DefaultObfuscation()
	doc := Parse([]byte(serverConf(t) + "jmin = 20\n"))

	got, missing, err := ReadObfuscation(doc.Interface(), base)
	require.NoError(t, err)

	want := base
	want.Jmin = 20
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"Jmax", "S1", "S2", "H1", "H2", "H3"}, missing)

	doc.Interface().Set("H4", "nope")
	_, _, err = ReadObfuscation(doc.Interface(), base)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}
