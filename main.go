package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/audit"
	"github.com/gluk-w/sshkeyauth/internal/config"
	"github.com/gluk-w/sshkeyauth/internal/database"
	"github.com/gluk-w/sshkeyauth/internal/handlers"
	"github.com/gluk-w/sshkeyauth/internal/knownhosts"
	"github.com/gluk-w/sshkeyauth/internal/logging"
	"github.com/gluk-w/sshkeyauth/internal/middleware"
	"github.com/robfig/cron/v3"
)

const usage = `Usage: sshkeyauth <command> [flags]

Commands:
  sign [data]                 Sign data (or stdin) with every signing identity
  verify [envelope...]        Verify JSON envelopes from argv or stdin
  identities                  List signing and verifying identities
  encrypt-passphrase          Encrypt a key passphrase for the identity manifest
  serve                       Run the HTTP verify service
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches one command and returns the process exit code. Deferred
// cleanup runs before main exits.
func run(argv []string) int {
	if len(argv) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	command, args := argv[0], argv[1:]
	var err error
	switch command {
	case "sign":
		err = runSign(args, os.Stdin, os.Stdout)
	case "verify":
		err = runVerify(args, os.Stdin, os.Stdout)
	case "identities":
		err = runIdentities(args, os.Stdout)
	case "encrypt-passphrase":
		err = runEncryptPassphrase(args, os.Stdout)
	case "serve":
		err = runServe(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}
	if err != nil {
		log.Printf("%s: %v", command, err)
		return 1
	}
	return 0
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	kf := registerKeyFlags(fs)
	listen := fs.String("listen", config.Cfg.ListenAddr, "Listen address")
	fs.Parse(args)

	auditor, rec := openAuditor()
	defer database.Close()
	if auditor == nil {
		log.Printf("Audit trail disabled (no SSHKEYAUTH_DATABASE_PATH)")
	}

	cache := knownhosts.NewCache(config.Cfg.KnownHostsMaxAge)
	verifier, err := kf.newVerifier(rec, cache)
	if err != nil {
		return err
	}
	defer verifier.Close()
	log.Printf("Verifier initialized (account=%q, identities=%d)", verifier.Account(), len(verifier.VerifyingIdentities()))

	allowed, err := middleware.ParseAllowedIPs(config.Cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("SSHKEYAUTH_ALLOWED_IPS: %w", err)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxRequestsPerMinute: config.Cfg.VerifyRateLimit,
		MaxConsecFailures:    config.Cfg.VerifyMaxFailures,
		BlockDuration:        config.Cfg.VerifyBlockDuration,
	})

	sched, err := startMaintenance(config.Cfg.MaintenanceSchedule, maintenance{
		cache:   cache,
		auditor: auditor,
		limiter: limiter,
	})
	if err != nil {
		return err
	}

	api := &handlers.API{
		Verifier:   verifier,
		Auditor:    auditor,
		Limiter:    limiter,
		AllowedIPs: allowed,
	}
	srv := &http.Server{
		Addr:    *listen,
		Handler: api.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Println("Server stopped")
	return nil
}

// maintenance holds what the scheduled job cleans up. auditor and limiter
// may be nil.
type maintenance struct {
	cache   *knownhosts.Cache
	auditor *audit.Auditor
	limiter *middleware.RateLimiter
}

// startMaintenance schedules m.run on schedule.
func startMaintenance(schedule string, m maintenance) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("Maintenance scheduled (%s)", schedule)
	return c, nil
}

func (m maintenance) run() {
	if n := m.cache.InvalidateAll(); n > 0 {
		log.Printf("[maintenance] dropped %d cached known_hosts files", n)
	}
	if m.auditor != nil {
		if _, err := m.auditor.PurgeOlderThan(0); err != nil {
			log.Printf("[maintenance] audit purge: %v", err)
		}
	}
	if m.limiter != nil {
		if n := m.limiter.Prune(); n > 0 {
			log.Printf("[maintenance] dropped rate limit state for %d idle clients", n)
		}
	}
}
