// Package authorizedkeys parses OpenSSH authorized_keys files.
//
// Each usable line becomes an [Entry]. Lines that are blank, commented out,
// malformed, or carry an unsupported key type are logged and skipped; a bad
// line never fails the whole file.
package authorizedkeys

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrUnsupportedKeyType marks a line whose key type is not accepted.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	// ErrMalformedLine marks a line that does not look like a key entry.
	ErrMalformedLine = errors.New("malformed authorized_keys line")
)

// hashedPrefix introduces a leading comment copied over from known_hosts.
const hashedPrefix = "|1|"

// optionPattern matches one option. Quoted values may contain \" escapes.
const optionPattern = `[A-Za-z0-9-]+(?:="(?:[^"\\]|\\.)*")?`

var (
	lineRE   = regexp.MustCompile(`^((?:` + optionPattern + `,?)+\s+)?(` + keyTypeAlternation() + `)\s+(\S+)\s*(.*)$`)
	optionRE = regexp.MustCompile(optionPattern)
)

func keyTypeAlternation() string {
	quoted := make([]string, len(identity.SupportedKeyTypes))
	for i, t := range identity.SupportedKeyTypes {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(quoted, "|")
}

// Entry is one parsed key line.
type Entry struct {
	// Line is the 1-based line number, 0 for keys not read from a file.
	Line    int
	Options []string
	Key     *identity.PublicKey
}

// ParseLine parses a single key line. Blank and comment lines are not
// handled here; the caller filters them.
func ParseLine(line string) (Entry, error) {
	line = strings.TrimSpace(line)

	var leading string
	if strings.HasPrefix(line, hashedPrefix) {
		head, rest, ok := strings.Cut(line, " ")
		if !ok {
			return Entry{}, fmt.Errorf("%w: hashed comment without key", ErrMalformedLine)
		}
		leading = head
		line = strings.TrimLeft(rest, " ")
	}

	m := lineRE.FindStringSubmatch(line)
	if m == nil {
		if t := guessKeyType(line); t != "" && !identity.IsSupportedKeyType(t) {
			return Entry{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, t)
		}
		return Entry{}, ErrMalformedLine
	}
	declared, blob, trailing := m[2], m[3], strings.TrimSpace(m[4])

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: decode key blob: %v", ErrMalformedLine, err)
	}
	pub, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: parse key blob: %v", ErrMalformedLine, err)
	}
	if pub.Type() != declared {
		return Entry{}, fmt.Errorf("%w: declared %s but blob holds %s", ErrMalformedLine, declared, pub.Type())
	}

	comment := trailing
	if comment == "" {
		comment = leading
	}
	return Entry{
		Options: optionRE.FindAllString(m[1], -1),
		Key:     identity.NewPublicKey(pub, comment, identity.SourceAuthorizedKeys),
	}, nil
}

// guessKeyType returns the first token that looks like a key type.
func guessKeyType(line string) string {
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, "ssh-") || strings.HasPrefix(f, "ecdsa-") || strings.HasPrefix(f, "sk-") {
			return f
		}
	}
	return ""
}

// ParseLines parses lines in order. Unusable lines are logged and skipped.
func ParseLines(lines []string) []Entry {
	var entries []Entry
	for i, line := range lines {
		if e, ok := parseNumbered(i+1, line); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// Parse reads an authorized_keys stream. The only error returned is a read
// error; unusable lines are logged and skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if e, ok := parseNumbered(n, scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read authorized_keys: %w", err)
	}
	return entries, nil
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseNumbered(n int, line string) (Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false
	}
	e, err := ParseLine(trimmed)
	if err != nil {
		if errors.Is(err, ErrUnsupportedKeyType) {
			log.Printf("[authorized-keys] line %d skipped: %v", n, err)
		} else {
			log.Printf("[authorized-keys] line %d skipped (%s): %v", n, logutil.Abbrev(trimmed), err)
		}
		return Entry{}, false
	}
	e.Line = n
	return e, true
}

// Keys returns the entries' keys in order.
func Keys(entries []Entry) []identity.Identity {
	ids := make([]identity.Identity, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Key)
	}
	return ids
}
