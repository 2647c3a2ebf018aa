// Package trust works out which authorized_keys file sshd would consult for
// an account and loads the keys in it.
//
// Every failure here is soft: it is logged and yields no keys.
package trust

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gluk-w/sshkeyauth/internal/authorizedkeys"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
)

const (
	// DefaultSSHDConfigPath is where sshd reads its configuration.
	DefaultSSHDConfigPath = "/etc/ssh/sshd_config"
	// DefaultAuthorizedKeysFile is sshd's built-in AuthorizedKeysFile.
	DefaultAuthorizedKeysFile = ".ssh/authorized_keys"
)

var authorizedKeysFileRE = regexp.MustCompile(`^\s*AuthorizedKeysFile`)

// AccountLookup resolves an account's home directory.
type AccountLookup interface {
	HomeDir(account string) (string, error)
}

// OSAccounts looks accounts up in the system user database.
type OSAccounts struct{}

func (OSAccounts) HomeDir(account string) (string, error) {
	u, err := user.Lookup(account)
	if err != nil {
		return "", err
	}
	if u.HomeDir == "" {
		return "", fmt.Errorf("account %s has no home directory", account)
	}
	return u.HomeDir, nil
}

// CurrentAccount returns the name of the user running the process.
func CurrentAccount() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("look up current user: %w", err)
	}
	return u.Username, nil
}

// Resolver finds and loads authorized_keys files.
type Resolver struct {
	// SSHDConfigPath defaults to DefaultSSHDConfigPath.
	SSHDConfigPath string
	// Accounts defaults to OSAccounts.
	Accounts AccountLookup
}

func (r *Resolver) sshdConfigPath() string {
	if r.SSHDConfigPath == "" {
		return DefaultSSHDConfigPath
	}
	return r.SSHDConfigPath
}

func (r *Resolver) accounts() AccountLookup {
	if r.Accounts == nil {
		return OSAccounts{}
	}
	return r.Accounts
}

// AuthorizedKeysTemplate returns the AuthorizedKeysFile value from the last
// matching sshd_config line, or the default when the file is missing or
// has no such line.
func (r *Resolver) AuthorizedKeysTemplate() string {
	path := r.sshdConfigPath()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[trust] no sshd_config at %s, assuming %s", logutil.SanitizeForLog(path), DefaultAuthorizedKeysFile)
		} else {
			log.Printf("[trust] cannot read sshd_config %s: %v, assuming %s", logutil.SanitizeForLog(path), err, DefaultAuthorizedKeysFile)
		}
		return DefaultAuthorizedKeysFile
	}
	defer f.Close()

	template := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !authorizedKeysFileRE.MatchString(line) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		template = fields[len(fields)-1]
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[trust] read sshd_config %s: %v", logutil.SanitizeForLog(path), err)
	}
	if template == "" {
		log.Printf("[trust] no AuthorizedKeysFile setting in %s, assuming %s", logutil.SanitizeForLog(path), DefaultAuthorizedKeysFile)
		return DefaultAuthorizedKeysFile
	}
	return template
}

// AuthorizedKeysPath returns the authorized_keys path sshd would use for
// account. ok is false when the path needs the account's home directory
// and it cannot be found.
func (r *Resolver) AuthorizedKeysPath(account string) (string, bool) {
	path := r.AuthorizedKeysTemplate()

	path = strings.ReplaceAll(path, "%%", "%")
	path = strings.ReplaceAll(path, "%u", account)

	var home string
	homeDir := func() bool {
		if home != "" {
			return true
		}
		h, err := r.accounts().HomeDir(account)
		if err != nil {
			log.Printf("[trust] no home directory for %s, skipping authorized_keys: %v", logutil.SanitizeForLog(account), err)
			return false
		}
		home = h
		return true
	}

	if strings.Contains(path, "%h") {
		if !homeDir() {
			return "", false
		}
		path = strings.ReplaceAll(path, "%h", home)
	}
	if !filepath.IsAbs(path) {
		if !homeDir() {
			return "", false
		}
		path = filepath.Join(home, path)
	}
	return path, true
}

// AuthorizedKeys returns the keys in account's authorized_keys file.
func (r *Resolver) AuthorizedKeys(account string) []identity.Identity {
	path, ok := r.AuthorizedKeysPath(account)
	if !ok {
		return nil
	}
	log.Printf("[trust] authorized_keys for %s: %s", logutil.SanitizeForLog(account), logutil.SanitizeForLog(path))
	return AuthorizedKeysFromPath(path)
}

// AuthorizedKeysFromPath returns the keys in the authorized_keys file at
// path.
func AuthorizedKeysFromPath(path string) []identity.Identity {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("[trust] no authorized_keys file at %s", logutil.SanitizeForLog(path))
		} else {
			log.Printf("[trust] stat %s: %v", logutil.SanitizeForLog(path), err)
		}
		return nil
	}
	if info.IsDir() {
		log.Printf("[trust] %s is a directory, skipping", logutil.SanitizeForLog(path))
		return nil
	}
	entries, err := authorizedkeys.ParseFile(path)
	if err != nil {
		log.Printf("[trust] read %s: %v", logutil.SanitizeForLog(path), err)
	}
	return authorizedkeys.Keys(entries)
}
