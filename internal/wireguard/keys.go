package wireguard

import (
	"context"
	"log/slog"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awgctl/internal/config"
	"awgctl/internal/errors"
	"awgctl/internal/execx"
)

// KeyPair is a Curve25519 key pair in base64 form.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// LogValue keeps the private key out of every log line.
func (k KeyPair) LogValue() slog.Value {
	return slog.GroupValue(slog.String("public_key", k.PublicKey))
}

// KeyGenerator produces fresh key pairs.
type KeyGenerator interface {
	Generate(ctx context.Context) (KeyPair, error)
}

// NewKeyGenerator returns the generator selected by interface.keygen.
func NewKeyGenerator(kind string, r execx.Runner) KeyGenerator {
	if kind == config.KeygenCLI {
		return &CLIKeys{Runner: r}
	}
	return NativeKeys{}
}

// NativeKeys generates keys in-process.
type NativeKeys struct{}

func (NativeKeys) Generate(ctx context.Context) (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.KindGeneration, "generate private key")
	}
	return KeyPair{PrivateKey: priv.String(), PublicKey: priv.PublicKey().String()}, nil
}

// CLIKeys shells out to `awg genkey` and `awg pubkey`.
type CLIKeys struct {
	Runner execx.Runner
	Binary string
}

func (c *CLIKeys) Generate(ctx context.Context) (KeyPair, error) {
	bin := c.Binary
	if bin == "" {
		bin = "awg"
	}
	priv, err := c.Runner.Output(ctx, bin, "genkey")
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.KindGeneration, "awg genkey")
	}
	priv = strings.TrimSpace(priv)
	if !ValidKey(priv) {
		return KeyPair{}, errors.New(errors.KindGeneration, "awg genkey returned malformed key")
	}
	pub, err := c.Runner.Input(ctx, priv+"\n", bin, "pubkey")
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.KindGeneration, "awg pubkey")
	}
	pub = strings.TrimSpace(pub)
	if !ValidKey(pub) {
		return KeyPair{}, errors.New(errors.KindGeneration, "awg pubkey returned malformed key")
	}
	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// PublicKey derives the public key from a base64 private key.
func PublicKey(privateKey string) (string, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(privateKey))
	if err != nil {
		return "", errors.Wrap(err, errors.KindConfig, "parse private key")
	}
	return k.PublicKey().String(), nil
}

// ValidKey reports whether s is a base64-encoded 32-byte key.
func ValidKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}
