// Package keyring stores the mesh networks this node belongs to and the
// shared secrets their message keys derive from.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/baderanaas/hushmesh/pkg/crypto"
)

// invitePrefix versions the invite encoding.
const invitePrefix = "hm1."

var (
	ErrExists    = errors.New("keyring: network already exists")
	ErrBadInvite = errors.New("keyring: invalid invite")
	ErrEmptyName = errors.New("keyring: empty network name")
)

// Network is a named mesh. An empty Secret means an open network whose key
// derives from the name alone.
type Network struct {
	Name   string       `json:"name"`
	Secret string       `json:"secret,omitempty"`
	Cipher crypto.Suite `json:"cipher"`
}

// Key derives the message key for the network.
func (n Network) Key() ([]byte, error) {
	if n.Secret == "" {
		return crypto.KeyFromNetwork(n.Name), nil
	}
	return crypto.KeyFromSecret(n.Name, n.Secret)
}

// Codec returns the AEAD codec for the network.
func (n Network) Codec() (*crypto.Codec, error) {
	key, err := n.Key()
	if err != nil {
		return nil, err
	}
	return crypto.NewCodec(key, n.Cipher)
}

// Keyring persists networks as a JSON array.
type Keyring struct {
	mu       sync.RWMutex
	networks map[string]Network
	path     string
}

// Open loads the keyring at path. A missing file yields an empty keyring.
func Open(path string) (*Keyring, error) {
	k := &Keyring{
		path:     path,
		networks: make(map[string]Network),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return k, nil
		}
		return nil, err
	}
	var list []Network
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("keyring %s: %w", path, err)
	}
	for _, n := range list {
		k.networks[n.Name] = n
	}
	return k, nil
}

// Create adds a private network with a fresh random secret.
func (k *Keyring) Create(name string, cipher crypto.Suite) (Network, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Network{}, ErrEmptyName
	}
	if cipher == "" {
		cipher = crypto.SuiteAESGCM
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return Network{}, fmt.Errorf("generate secret: %w", err)
	}
	n := Network{Name: name, Secret: base64.RawURLEncoding.EncodeToString(buf), Cipher: cipher}
	if _, err := n.Codec(); err != nil {
		return Network{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.networks[name]; ok {
		return Network{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	k.networks[name] = n
	if err := k.saveLocked(); err != nil {
		delete(k.networks, name)
		return Network{}, err
	}
	return n, nil
}

// Add stores n, replacing any network of the same name.
func (k *Keyring) Add(n Network) error {
	if strings.TrimSpace(n.Name) == "" {
		return ErrEmptyName
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, had := k.networks[n.Name]
	k.networks[n.Name] = n
	if err := k.saveLocked(); err != nil {
		if had {
			k.networks[n.Name] = prev
		} else {
			delete(k.networks, n.Name)
		}
		return err
	}
	return nil
}

func (k *Keyring) Get(name string) (Network, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	n, ok := k.networks[name]
	return n, ok
}

// Resolve returns the named network, or an open network of that name so
// every node agrees on the key for a public mesh.
func (k *Keyring) Resolve(name string, cipher crypto.Suite) Network {
	if n, ok := k.Get(name); ok {
		return n
	}
	return Network{Name: name, Cipher: cipher}
}

// List returns network names in sorted order.
func (k *Keyring) List() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.networks))
	for name := range k.networks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (k *Keyring) saveLocked() error {
	list := make([]Network, 0, len(k.networks))
	for _, n := range k.networks {
		list = append(list, n)
	}
	slices.SortFunc(list, func(a, b Network) int { return strings.Compare(a.Name, b.Name) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(k.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(k.path, data, 0o600)
}

// Invite encodes n so another node can join it.
func Invite(n Network) string {
	raw, _ := json.Marshal(n)
	return invitePrefix + base64.RawURLEncoding.EncodeToString(raw)
}

// ParseInvite decodes an invite produced by Invite.
func ParseInvite(s string) (Network, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), invitePrefix)
	if !ok {
		return Network{}, ErrBadInvite
	}
	raw, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return Network{}, fmt.Errorf("%w: %v", ErrBadInvite, err)
	}
	var n Network
	if err := json.Unmarshal(raw, &n); err != nil {
		return Network{}, fmt.Errorf("%w: %v", ErrBadInvite, err)
	}
	if n.Name == "" {
		return Network{}, ErrBadInvite
	}
	if _, err := n.Codec(); err != nil {
		return Network{}, fmt.Errorf("%w: %v", ErrBadInvite, err)
	}
	return n, nil
}
