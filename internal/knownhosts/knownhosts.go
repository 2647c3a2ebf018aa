// Package knownhosts reads OpenSSH known_hosts files into a host table.
//
// Only plain and hashed (|1|salt|hash) host names are understood. Marker
// lines (@cert-authority, @revoked) and host patterns are not interpreted.
package knownhosts

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

const hashedMagic = "|1|"

type plainEntry struct {
	line  int
	entry identity.TrustEntry
}

type hashedEntry struct {
	line  int
	salt  []byte
	hash  []byte
	entry identity.TrustEntry
}

// File is a parsed known_hosts file. The first key listed for a host wins.
type File struct {
	plain  map[string]plainEntry
	hashed []hashedEntry
	order  []identity.TrustEntry
}

// Parse reads a known_hosts stream. Unusable lines are logged and skipped;
// only read errors are returned.
func Parse(r io.Reader) (*File, error) {
	f := &File{plain: make(map[string]plainEntry)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		f.parseLine(n, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read known_hosts: %w", err)
	}
	return f, nil
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

func (f *File) parseLine(n int, line string) {
	line = strings.TrimLeft(line, " \t")
	if line == "" || line[0] == '#' {
		return
	}
	if line[0] == '@' {
		marker, _, _ := strings.Cut(line, " ")
		log.Printf("[known-hosts] line %d: %s entries are not supported, skipping", n, logutil.SanitizeForLog(marker))
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		log.Printf("[known-hosts] line %d: expected hosts, key type and key, skipping", n)
		return
	}
	hosts, keyType, blob := fields[0], fields[1], fields[2]
	if !identity.IsSupportedKeyType(keyType) {
		log.Printf("[known-hosts] line %d: unsupported key type %s, skipping", n, logutil.SanitizeForLog(keyType))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		log.Printf("[known-hosts] line %d: decode key: %v", n, err)
		return
	}
	pub, err := ssh.ParsePublicKey(raw)
	if err != nil {
		log.Printf("[known-hosts] line %d: parse key: %v", n, err)
		return
	}
	if pub.Type() != keyType {
		log.Printf("[known-hosts] line %d: declared %s but key is %s, skipping", n, logutil.SanitizeForLog(keyType), pub.Type())
		return
	}
	comment := strings.Join(fields[3:], " ")

	for _, host := range strings.Split(hosts, ",") {
		if host == "" {
			continue
		}
		c := comment
		if c == "" {
			c = host
		}
		entry := identity.TrustEntry{Subject: host, Key: identity.NewPublicKey(pub, c, identity.SourceKnownHosts)}

		if strings.HasPrefix(host, hashedMagic) {
			salt, hash, err := decodeHashed(host)
			if err != nil {
				log.Printf("[known-hosts] line %d: %v", n, err)
				continue
			}
			f.hashed = append(f.hashed, hashedEntry{line: n, salt: salt, hash: hash, entry: entry})
			f.order = append(f.order, entry)
			continue
		}

		key := xknownhosts.Normalize(host)
		if _, seen := f.plain[key]; seen {
			continue
		}
		f.plain[key] = plainEntry{line: n, entry: entry}
		f.order = append(f.order, entry)
	}
}

func decodeHashed(host string) (salt, hash []byte, err error) {
	parts := strings.Split(strings.TrimPrefix(host, hashedMagic), "|")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("hashed host %s: want |1|salt|hash", logutil.Abbrev(host))
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("hashed host salt: %w", err)
	}
	if hash, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("hashed host hash: %w", err)
	}
	return salt, hash, nil
}

func hashMatches(salt, hash []byte, host string) bool {
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return bytes.Equal(mac.Sum(nil), hash)
}

// Lookup returns the key listed for host. host may carry a port
// ("build01:2222"); it is normalized the way ssh writes known_hosts.
func (f *File) Lookup(host string) (*identity.PublicKey, bool) {
	e, ok := f.LookupEntry(host)
	if !ok {
		return nil, false
	}
	return e.Key, true
}

// LookupEntry is Lookup returning the full entry.
func (f *File) LookupEntry(host string) (identity.TrustEntry, bool) {
	key := xknownhosts.Normalize(host)
	best, found := f.plain[key]
	for _, h := range f.hashed {
		if found && h.line >= best.line {
			break
		}
		if hashMatches(h.salt, h.hash, key) {
			best, found = plainEntry{line: h.line, entry: h.entry}, true
			break
		}
	}
	return best.entry, found
}

// Entries returns every retained entry in file order.
func (f *File) Entries() []identity.TrustEntry {
	out := make([]identity.TrustEntry, len(f.order))
	copy(out, f.order)
	return out
}

// Len returns the number of retained entries.
func (f *File) Len() int {
	return len(f.order)
}
