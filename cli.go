package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/gluk-w/sshkeyauth/internal/agentconn"
	"github.com/gluk-w/sshkeyauth/internal/audit"
	"github.com/gluk-w/sshkeyauth/internal/config"
	"github.com/gluk-w/sshkeyauth/internal/crypto"
	"github.com/gluk-w/sshkeyauth/internal/database"
	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/keyauth"
	"github.com/gluk-w/sshkeyauth/internal/knownhosts"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
	"github.com/gluk-w/sshkeyauth/internal/manifest"
	"github.com/gluk-w/sshkeyauth/internal/sshsig"
	"golang.org/x/term"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// keyFlags are shared by the commands that build a Signer or Verifier.
type keyFlags struct {
	keys             stringList
	pubs             stringList
	hosts            stringList
	passphrasePrompt bool
	noAgent          bool
	noAuthorizedKeys bool
	account          string
	manifest         string
}

func registerKeyFlags(fs *flag.FlagSet) *keyFlags {
	f := &keyFlags{}
	fs.Var(&f.keys, "key", "Private key file to sign with (repeatable)")
	fs.Var(&f.pubs, "pub", "Public key file to trust (repeatable)")
	fs.Var(&f.hosts, "host", "Trust this host's key from known_hosts (repeatable)")
	fs.BoolVar(&f.passphrasePrompt, "passphrase-prompt", false, "Prompt for the passphrase of each -key")
	fs.BoolVar(&f.noAgent, "no-agent", false, "Do not use the SSH agent")
	fs.BoolVar(&f.noAuthorizedKeys, "no-authorized-keys", false, "Do not trust authorized_keys")
	fs.StringVar(&f.account, "account", "", "Account whose authorized_keys are trusted")
	fs.StringVar(&f.manifest, "manifest", "", "Identity manifest (default $SSHKEYAUTH_IDENTITIES_FILE)")
	return f
}

func (f *keyFlags) manifestPath() string {
	if f.manifest != "" {
		return f.manifest
	}
	return config.Cfg.IdentitiesFile
}

func agentConfig() agentconn.Config {
	return agentconn.Config{
		SocketPath:  config.Cfg.AgentSocketPath(),
		DialTimeout: config.Cfg.AgentDialTimeout,
		IOTimeout:   config.Cfg.AgentIOTimeout,
	}
}

// openDatabase initializes database.DB when a database path is configured.
func openDatabase() bool {
	if config.Cfg.DatabasePath == "" {
		return false
	}
	if err := database.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	return true
}

// openAuditor opens the audit trail when a database is configured. The
// returned Recorder is nil otherwise.
func openAuditor() (*audit.Auditor, keyauth.Recorder) {
	if !openDatabase() {
		return nil, nil
	}
	a := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	log.Printf("[cli] audit trail at %s (retention %d days)", logutil.SanitizeForLog(config.Cfg.DatabasePath), a.RetentionDays())
	return a, a
}

func (f *keyFlags) newSigner(rec keyauth.Recorder) (*keyauth.Signer, error) {
	s := keyauth.NewSigner(keyauth.SignerConfig{
		DisableAgent: f.noAgent,
		Agent:        agentConfig(),
		Recorder:     rec,
	})
	for _, k := range f.keys {
		var passphrase []byte
		if f.passphrasePrompt && isEncryptedKeyFile(k) {
			p, err := readPassword(fmt.Sprintf("Passphrase for %s: ", k))
			if err != nil {
				s.Close()
				return nil, err
			}
			passphrase = p
		}
		if err := s.AddPrivateKeyFile(k, passphrase); err != nil {
			s.Close()
			return nil, err
		}
	}
	if path := f.manifestPath(); path != "" {
		m, err := manifest.Load(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := m.ApplyToSigner(s, config.Cfg.PassphraseKey); err != nil {
			log.Printf("[cli] manifest %s: %v", logutil.SanitizeForLog(path), err)
		}
	}
	return s, nil
}

func (f *keyFlags) newVerifier(rec keyauth.Recorder, cache *knownhosts.Cache) (*keyauth.Verifier, error) {
	account := f.account
	if account == "" {
		account = config.Cfg.Account
	}
	v := keyauth.NewVerifier(keyauth.VerifierConfig{
		Account:               account,
		DisableAgent:          f.noAgent,
		DisableAuthorizedKeys: f.noAuthorizedKeys,
		SSHDConfigPath:        config.Cfg.SSHDConfigPath,
		KnownHostsPath:        config.Cfg.KnownHostsFile(),
		Cache:                 cache,
		Agent:                 agentConfig(),
		Recorder:              rec,
	})
	var errs []error
	for _, p := range f.pubs {
		if err := v.AddPublicKeyFile(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range f.hosts {
		if err := v.AddKeyFromHost(h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		v.Close()
		return nil, err
	}
	if path := f.manifestPath(); path != "" {
		m, err := manifest.Load(path)
		if err != nil {
			v.Close()
			return nil, err
		}
		if err := m.ApplyToVerifier(v); err != nil {
			log.Printf("[cli] manifest %s: %v", logutil.SanitizeForLog(path), err)
		}
	}
	return v, nil
}

// isEncryptedKeyFile reports whether path holds a passphrase-protected
// private key. Unreadable files report false and fail later on load.
func isEncryptedKeyFile(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && identity.IsEncryptedPrivateKey(data)
}

// readPassword prompts on stderr and reads from the controlling terminal.
func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		tty, err := os.Open("/dev/tty")
		if err != nil {
			return nil, fmt.Errorf("no terminal for passphrase prompt: %w", err)
		}
		defer tty.Close()
		fd = int(tty.Fd())
	}
	fmt.Fprint(os.Stderr, prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return p, nil
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	kf := registerKeyFlags(fs)
	fs.Parse(args)

	var data []byte
	if fs.NArg() > 0 {
		data = []byte(fs.Arg(0))
	} else {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		data = b
	}

	_, rec := openAuditor()
	defer database.Close()

	signer, err := kf.newSigner(rec)
	if err != nil {
		return err
	}
	defer signer.Close()

	sigs, err := signer.Sign(data)
	if len(sigs) == 0 {
		return err
	}
	if err != nil {
		log.Printf("[cli] some identities failed to sign: %v", err)
	}
	return writeEnvelopes(stdout, data, sigs)
}

func writeEnvelopes(w io.Writer, data []byte, sigs []sshsig.Signature) error {
	enc := json.NewEncoder(w)
	for _, sig := range sigs {
		if err := enc.Encode(newEnvelope(data, sig)); err != nil {
			return err
		}
	}
	return nil
}

func runVerify(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	kf := registerKeyFlags(fs)
	fs.Parse(args)

	_, rec := openAuditor()
	defer database.Close()

	verifier, err := kf.newVerifier(rec, knownhosts.NewCache(config.Cfg.KnownHostsMaxAge))
	if err != nil {
		return err
	}
	defer verifier.Close()

	lines := fs.Args()
	if len(lines) == 0 {
		sc := bufio.NewScanner(stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
				lines = append(lines, string(line))
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	verifyLines(verifier, lines, stdout)
	return nil
}

func verifyLines(v *keyauth.Verifier, lines []string, w io.Writer) {
	for _, line := range lines {
		env, set, err := parseEnvelope([]byte(line))
		if err != nil {
			log.Printf("[cli] %v", err)
			fmt.Fprintln(w, false)
			continue
		}
		data, _ := env.originalData()
		fmt.Fprintln(w, v.VerifyAny(set, data))
	}
}

func runIdentities(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("identities", flag.ExitOnError)
	kf := registerKeyFlags(fs)
	listKnownHosts := fs.Bool("known-hosts", false, "Also list every key in the known_hosts file")
	fs.Parse(args)

	signer, err := kf.newSigner(nil)
	if err != nil {
		return err
	}
	defer signer.Close()
	verifier, err := kf.newVerifier(nil, nil)
	if err != nil {
		return err
	}
	defer verifier.Close()

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tSOURCE\tTYPE\tFINGERPRINT\tCOMMENT")
	printIdentities(tw, "sign", signer.SigningIdentities())
	printIdentities(tw, "verify", verifier.VerifyingIdentities())
	if *listKnownHosts {
		if err := printKnownHosts(tw, config.Cfg.KnownHostsFile()); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printKnownHosts(w io.Writer, path string) error {
	f, err := knownhosts.ParseFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range f.Entries() {
		fmt.Fprintf(w, "known-host\t%s\t%s\t%s\t%s\n", e.Subject, e.Key.PublicKey().Type(), e.Key.Fingerprint(), e.Key.Comment())
	}
	return nil
}

func printIdentities(w io.Writer, role string, ids []identity.Identity) {
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", role, id.Source(), id.PublicKey().Type(), id.Fingerprint(), id.Comment())
	}
}

func runEncryptPassphrase(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("encrypt-passphrase", flag.ExitOnError)
	addTo := fs.String("add-to", "", "Manifest to record the key and token in (requires -key)")
	key := fs.String("key", "", "Private key the passphrase belongs to")
	fs.Parse(args)

	if *addTo != "" && *key == "" {
		return errors.New("-add-to requires -key")
	}

	if *key != "" && !isEncryptedKeyFile(*key) {
		return fmt.Errorf("%s is not a passphrase-protected private key", *key)
	}

	openDatabase()
	defer database.Close()

	passphrase, err := readPassword("Passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		return err
	}
	if !bytes.Equal(passphrase, confirm) {
		return errors.New("passphrases do not match")
	}

	if *key != "" {
		if _, err := identity.LoadPrivateKeyFile(*key, passphrase); err != nil {
			return err
		}
	}

	token, err := crypto.EncryptPassphrase(config.Cfg.PassphraseKey, passphrase)
	if err != nil {
		return err
	}

	if *addTo == "" {
		fmt.Fprintln(stdout, token)
		return nil
	}
	m, err := manifest.Load(*addTo)
	if errors.Is(err, os.ErrNotExist) {
		m = &manifest.Manifest{}
	} else if err != nil {
		return err
	}
	keyPath, err := filepath.Abs(*key)
	if err != nil {
		return err
	}
	m.AddPrivateKey(keyPath, token)
	if err := m.Save(*addTo); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Passphrase for %s saved to %s.\n", *key, *addTo)
	return nil
}
