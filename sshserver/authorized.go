package sshserver

import (
	"bytes"
	"fmt"
	"os"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
)

// loadAuthorizedKeys parses an OpenSSH authorized_keys file. Blank lines and
// comments are skipped; options are ignored.
func loadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	var keys []ssh.PublicKey
	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			// ParseAuthorizedKey skips comment lines itself; anything left
			// unparsable ends the file.
			break
		}
		keys = append(keys, key)
		rest = next
	}
	return keys, nil
}

func keyAuthorized(keys []ssh.PublicKey, candidate gliderssh.PublicKey) bool {
	for _, key := range keys {
		if gliderssh.KeysEqual(key, candidate) {
			return true
		}
	}
	return false
}
