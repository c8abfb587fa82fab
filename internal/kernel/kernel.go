// Package kernel is the composition root: it owns the vault, the
// encrypted logger, the license verifier, the approval broker, and the
// loopback access server, and drives the idle-lock and shutdown
// lifecycle.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lockboxhq/secretd/internal/approval"
	"github.com/lockboxhq/secretd/internal/license"
	"github.com/lockboxhq/secretd/internal/logger"
	"github.com/lockboxhq/secretd/internal/server"
	"github.com/lockboxhq/secretd/internal/vault"
)

// DefaultIdleTimeout is the duration of inactivity after which an
// unlocked vault is automatically locked.
const DefaultIdleTimeout = 5 * time.Minute

// Kernel ties the core subsystems together for one process lifetime.
// cmd/secretd constructs exactly one Kernel.
type Kernel struct {
	dir         string
	version     string
	idleTimeout time.Duration

	Vault  *vault.Store
	Logger *logger.Logger
	Server *server.Server
	broker approval.Broker

	mu        sync.Mutex
	idleTimer *time.Timer
}

// Option customizes a Kernel at construction time.
type Option func(*Kernel)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.idleTimeout = d }
}

// New wires a Kernel rooted at dir. The server is constructed but not
// started; Start does that once the caller has confirmed a valid
// license and the vault is unlocked.
func New(dir string, broker approval.Broker, version string, opts ...Option) (*Kernel, error) {
	store, err := vault.New(dir)
	if err != nil {
		return nil, fmt.Errorf("kernel: vault: %w", err)
	}

	log := logger.New(dir)
	store.OnKeyChange(func(key []byte) {
		if key == nil {
			log.ClearEncryptionKey()
		} else {
			log.SetEncryptionKey(key)
		}
	})

	k := &Kernel{
		dir:         dir,
		version:     version,
		idleTimeout: DefaultIdleTimeout,
		Vault:       store,
		Logger:      log,
		broker:      broker,
	}
	for _, opt := range opts {
		opt(k)
	}

	if cb, ok := broker.(*approval.CallbackBroker); ok {
		cb.SetLogger(log)
	}

	k.Server = server.New(dir, store, log, broker, version)
	k.Server.OnActivity(k.resetIdleTimer)

	return k, nil
}

// CheckLocalLicense delegates to internal/license without touching the
// network. The kernel never calls CheckLicenseWithServer on its own;
// that requires an explicit caller action.
func (k *Kernel) CheckLocalLicense() license.CheckResult {
	return license.CheckLocalLicense(k.dir)
}

// Activate checks the entitlement server and, on success, persists the
// returned licence so future CheckLocalLicense calls succeed offline.
func (k *Kernel) Activate(ctx context.Context, endpoint, userKey, password string) error {
	result := license.CheckLicenseWithServer(ctx, endpoint, userKey, password)
	if !result.Success {
		return fmt.Errorf("kernel: activation failed: %w", result.Err)
	}
	return license.SaveLicense(k.dir, *result.Licence, result.Signature)
}

// Unlock unlocks the vault, starts the idle-lock timer, and binds the
// access server if it is not already running.
func (k *Kernel) Unlock(password string) error {
	if err := k.Vault.Unlock(password); err != nil {
		return err
	}
	k.Logger.LogLock("unlocked")
	k.resetIdleTimer()

	if k.Server.Addr() == "" {
		if err := k.Server.Start(); err != nil {
			return fmt.Errorf("kernel: start server: %w", err)
		}
	}
	return nil
}

// Setup creates a fresh vault (first run) and otherwise behaves like Unlock.
func (k *Kernel) Setup(password string) error {
	if err := k.Vault.Setup(password); err != nil {
		return err
	}
	k.Logger.LogLock("setup")
	k.resetIdleTimer()

	if k.Server.Addr() == "" {
		if err := k.Server.Start(); err != nil {
			return fmt.Errorf("kernel: start server: %w", err)
		}
	}
	return nil
}

// Lock stops the idle timer and locks the vault synchronously.
func (k *Kernel) Lock() error {
	k.stopIdleTimer()
	k.Logger.LogLock("locked")
	return k.Vault.Lock(true)
}

// resetIdleTimer is called on Unlock/Setup and on every authenticated
// server request (wired via Server.OnActivity).
func (k *Kernel) resetIdleTimer() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.idleTimer != nil {
		k.idleTimer.Stop()
	}
	k.idleTimer = time.AfterFunc(k.idleTimeout, func() {
		k.Logger.LogLock("idle timeout")
		_ = k.Vault.Lock(false)
	})
}

func (k *Kernel) stopIdleTimer() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idleTimer != nil {
		k.idleTimer.Stop()
		k.idleTimer = nil
	}
}

// Shutdown flushes pending writes, stops the server, appends a final
// app log entry, and locks the vault synchronously, in that order.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.stopIdleTimer()

	if k.Vault.IsUnlocked() {
		if err := k.Vault.SaveNow(); err != nil {
			return fmt.Errorf("kernel: flush: %w", err)
		}
	}

	if err := k.Server.Close(ctx); err != nil {
		return fmt.Errorf("kernel: stop server: %w", err)
	}

	// Logged before Lock clears the encryption key, so the final entry
	// is still persisted to the encrypted log.
	k.Logger.LogApp("shutdown")

	if err := k.Vault.Lock(true); err != nil {
		return fmt.Errorf("kernel: lock: %w", err)
	}
	return nil
}
