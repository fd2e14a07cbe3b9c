// Package identity handles the ed25519 keys that authenticate cluster
// participants. Keys are stored on disk in OpenSSH format so operators can
// inspect them with standard tooling; public keys travel over the wire in
// authorized_keys encoding.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"

	xssh "golang.org/x/crypto/ssh"
)

// Identity is a participant's signing keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a new ed25519 identity and writes the private key to path
// in OpenSSH format with mode 0600.
func Generate(path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// Load reads an OpenSSH ed25519 private key from path.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	raw, err := xssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := raw.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, want ed25519", raw)
	}
	return &Identity{priv: *priv, pub: (*priv).Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerate loads the key at path, creating it on first use.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	return Generate(path)
}

// PublicAuthorizedKey returns the public key in authorized_keys encoding.
func (id *Identity) PublicAuthorizedKey() string {
	pk, err := xssh.NewPublicKey(id.pub)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(xssh.MarshalAuthorizedKey(pk)))
}

// Sign signs msg and returns the base64-encoded signature.
func (id *Identity) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(id.priv, msg))
}

// ParseAuthorizedKey decodes an authorized_keys-format ed25519 public key.
func ParseAuthorizedKey(s string) (ed25519.PublicKey, error) {
	pk, _, _, _, err := xssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cpk, ok := pk.(xssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %s", pk.Type())
	}
	ed, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}
	return ed, nil
}

// Verify checks a base64 signature over msg against an authorized_keys public key.
func Verify(authorizedKey string, msg []byte, signature string) bool {
	pub, err := ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SigningBytes is the canonical byte string covered by envelope signatures.
// Sender, timestamp and nonce are bound in so a payload cannot be replayed
// under another identity or at another time.
func SigningBytes(sender string, timestamp int64, nonce string, payload []byte) []byte {
	var b strings.Builder
	b.WriteString(sender)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(payload)
	return []byte(b.String())
}
