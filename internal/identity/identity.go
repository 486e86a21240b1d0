// Package identity manages the node's persistent name: a random
// human-readable token generated once and cached durably. The name is
// the graph vertex key and the advertised localName, stable across
// restarts and reconnects.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

const nameFile = "name"

var adjectives = []string{
	"amber", "brisk", "calm", "dusky", "eager", "fabled", "gentle", "hazy",
	"ivory", "jolly", "keen", "lucid", "mellow", "noble", "opal", "plucky",
	"quiet", "rustic", "swift", "tidal", "umber", "vivid", "wry", "zesty",
}

var animals = []string{
	"badger", "crane", "dingo", "egret", "ferret", "gecko", "heron", "ibis",
	"jackal", "kite", "lemur", "marten", "newt", "otter", "pika", "quail",
	"raven", "stoat", "tapir", "urchin", "vole", "wren", "yak", "zorilla",
}

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Name returns the persistent name, generating and caching it on first
// use.
func (s *Store) Name() (string, error) {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, nameFile)
	if data, err := os.ReadFile(path); err == nil {
		name := strings.TrimSpace(string(data))
		if name != "" {
			return name, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	name, err := Generate()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(name+"\n"), 0600); err != nil {
		return "", err
	}
	return name, nil
}

// Generate produces a fresh random name like "swift-otter-3f2a".
func Generate() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	adj := adjectives[int(buf[0])%len(adjectives)]
	animal := animals[int(buf[1])%len(animals)]
	suffix := hex.EncodeToString(buf[2:4])
	return fmt.Sprintf("%s-%s-%s", adj, animal, suffix), nil
}

// Fingerprint returns a short stable digest of a name for compact log
// and UI display.
func Fingerprint(name string) string {
	sum := sha3.Sum256([]byte("nearmesh:name:v1" + name))
	return hex.EncodeToString(sum[:4])
}
