package vault

import "github.com/lockboxhq/secretd/internal/kernelerr"

var (
	// ErrNotInitialized is returned by Unlock when no vault exists yet.
	ErrNotInitialized = kernelerr.New(kernelerr.KindNotInitialized, "vault not initialized")
	// ErrAlreadyExists is returned by Setup when a vault already exists.
	ErrAlreadyExists = kernelerr.New(kernelerr.KindAlreadyExists, "vault already exists")
	// ErrLocked is returned by any operation requiring an unlocked vault.
	ErrLocked = kernelerr.New(kernelerr.KindLocked, "vault is locked")
	// ErrInvalidPassword is returned by Unlock on an authentication failure.
	ErrInvalidPassword = kernelerr.New(kernelerr.KindInvalidPass, "incorrect password")
	// ErrProjectNotFound / ErrSecretNotFound are returned by entity lookups.
	ErrProjectNotFound = kernelerr.New(kernelerr.KindNotFound, "project not found")
	ErrSecretNotFound  = kernelerr.New(kernelerr.KindNotFound, "secret not found")
	// ErrProjectExists is returned by CreateProject on a name collision.
	ErrProjectExists = kernelerr.New(kernelerr.KindConflict, "project already exists")
	// ErrOutOfRange is returned by RestoreSecretVersion for a bad index.
	ErrOutOfRange = kernelerr.New(kernelerr.KindOutOfRange, "history index out of range")
)
