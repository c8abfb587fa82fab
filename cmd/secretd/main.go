// Command secretd is the loopback kernel process: it owns the encrypted
// vault, the encrypted log, the license check, and the bearer-authenticated
// access server that secretctl (and any other local client) talks to.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lockboxhq/secretd/internal/approval"
	"github.com/lockboxhq/secretd/internal/config"
	"github.com/lockboxhq/secretd/internal/kernel"
	"github.com/lockboxhq/secretd/internal/license"
	"github.com/lockboxhq/secretd/internal/server"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// productPublicKeyHex is the compiled-in Ed25519 verification key for the
// entitlement authority. A real build embeds the authority's actual key;
// this is a fixed placeholder so CheckLocalLicense has something to
// verify against out of the box.
const productPublicKeyHex = "b5076a8474a832daee4dd5b4040983b6630e217620b686d4ea98ebd95a76a681"

const banner = `
╭─────────────────────────────────────────────╮
│                  secretd                    │
│     local secrets kernel · loopback only    │
╰─────────────────────────────────────────────╯
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "secretd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("secretd", flag.ExitOnError)
	vaultDir := fs.String("dir", defaultVaultDir(), "vault directory")
	activate := fs.Bool("activate", false, "activate the license against the entitlement server before starting")
	activateEndpoint := fs.String("activate-endpoint", "", "entitlement server URL (required with -activate)")
	activateUserKey := fs.String("activate-user-key", "", "entitlement user key (required with -activate)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Print(banner)

	if err := os.MkdirAll(*vaultDir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	pubKey, err := hex.DecodeString(productPublicKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid compiled-in license public key")
	}
	license.SetPublicKey(ed25519.PublicKey(pubKey))

	cfgPath := filepath.Join(*vaultDir, "daemon-config.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if existing, err := server.ReadHandshake(*vaultDir); err == nil && existing.Alive() {
		return fmt.Errorf("secretd already running (pid %d); refusing to start a second instance against %s", existing.PID, *vaultDir)
	}

	// Activation never happens silently; -activate is the explicit opt-in.
	if *activate {
		if *activateEndpoint == "" || *activateUserKey == "" {
			return fmt.Errorf("-activate requires -activate-endpoint and -activate-user-key")
		}
		password, err := promptPassword("Entitlement password: ")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result := license.CheckLicenseWithServer(ctx, *activateEndpoint, *activateUserKey, password)
		if !result.Success {
			return fmt.Errorf("activation failed: %v", result.Err)
		}
		if err := license.SaveLicense(*vaultDir, *result.Licence, result.Signature); err != nil {
			return fmt.Errorf("save licence: %w", err)
		}
		fmt.Println("✓ Licence activated and saved")
	}

	check := license.CheckLocalLicense(*vaultDir)
	if !check.Valid {
		return fmt.Errorf("no valid local licence (%s); run with -activate first", check.Reason)
	}
	fmt.Printf("✓ Licence valid for %s\n", check.Licence.Licensee)

	broker := newTTYBroker()

	k, err := kernel.New(*vaultDir, broker, version, kernel.WithIdleTimeout(cfg.IdleLockDuration(kernel.DefaultIdleTimeout)))
	if err != nil {
		return fmt.Errorf("build kernel: %w", err)
	}

	if err := unlockOrSetup(k, *vaultDir); err != nil {
		return err
	}
	fmt.Printf("✓ Vault unlocked, server listening on %s\n", k.Server.Addr())

	waitForShutdown(k)
	return nil
}

func unlockOrSetup(k *kernel.Kernel, vaultDir string) error {
	if k.Vault.Exists() {
		password, err := promptPassword("Master password: ")
		if err != nil {
			return err
		}
		return k.Unlock(password)
	}

	fmt.Println("No vault found, creating one.")
	password, err := promptPassword("New master password (min 12 chars): ")
	if err != nil {
		return err
	}
	if len(password) < 12 {
		return fmt.Errorf("password must be at least 12 characters")
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}
	return k.Setup(password)
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, then runs the kernel's
// synchronous shutdown sequence (flush, server close, final log, lock).
func waitForShutdown(k *kernel.Kernel) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "secretd: shutdown: %v\n", err)
	}
}

func defaultVaultDir() string {
	if dir := os.Getenv("SECRETD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secretd"
	}
	return filepath.Join(home, ".secretd")
}

// newTTYBroker builds the approval.Broker implementation that asks a
// human at the controlling terminal. It is the only concrete decision
// surface this headless daemon ships with; a GUI tray app (out of scope)
// would inject its own DecisionFunc into approval.NewCallbackBroker
// instead. Its logger is nil until kernel.New wires it in via SetLogger.
func newTTYBroker() *approval.CallbackBroker {
	decide := func(projectName string, keys []string, action approval.Action) (bool, string) {
		fmt.Printf("\nApproval requested: %s %s [%s]\n", action, projectName, strings.Join(keys, ", "))
		fmt.Print("Allow? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "y" || line == "yes" {
			return true, ""
		}
		return false, "User denied"
	}
	return approval.NewCallbackBroker(decide, nil)
}
