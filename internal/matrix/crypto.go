// ABOUTME: End-to-end encryption for the Matrix transport via mautrix cryptohelper
// ABOUTME: Keeps a per-user crypto store and resets it when the device id changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// encryption owns the crypto helper attached to the client.
type encryption struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// setupEncryption attaches a crypto helper to client. A recovery key, when
// given, is used to verify the device for cross-signing; failure to verify
// leaves encryption working without it.
func setupEncryption(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*encryption, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating crypto directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := cryptoStorePath(dataDir, userID)
	logger.Info("setting up encryption", "db", dbPath)

	if err := resetOnDeviceChange(dbPath, client.DeviceID.String(), logger); err != nil {
		return nil, err
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	enc := &encryption{helper: helper, logger: logger}
	if recoveryKey == "" {
		logger.Info("encryption enabled without cross-signing")
		return enc, nil
	}

	if err := enc.verify(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed, continuing without cross-signing", "error", err)
	} else {
		logger.Info("encryption enabled with cross-signing")
	}
	return enc, nil
}

func (e *encryption) verify(ctx context.Context, recoveryKey string) error {
	machine := e.helper.Machine()
	if machine == nil {
		return errors.New("crypto machine not initialized")
	}
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		return fmt.Errorf("verifying with recovery key: %w", err)
	}
	return nil
}

// Close releases the crypto store.
func (e *encryption) Close() error {
	if e.helper == nil {
		return nil
	}
	return e.helper.Close()
}

// cryptoStorePath returns a per-user database path, e.g.
// @relay:example.org -> <dir>/relay-crypto-relay_example.org.db
func cryptoStorePath(dataDir, userID string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r == ':':
			return '_'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, strings.TrimPrefix(userID, "@"))
	return filepath.Join(dataDir, "relay-crypto-"+slug+".db")
}

// storeKey derives the 32-byte pickle key for the crypto store from the user id.
func storeKey(userID string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(userID), []byte("coven-relay"), []byte("matrix crypto store"))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255 blocks of output.
		panic(err)
	}
	return key
}

// resetOnDeviceChange removes the crypto store when it belongs to another
// device; the helper cannot reuse keys across device ids.
func resetOnDeviceChange(dbPath, deviceID string, logger *slog.Logger) error {
	stored, err := storedDeviceID(dbPath)
	if err != nil {
		logger.Debug("could not read stored device id", "error", err)
		return nil
	}
	if stored == "" || stored == deviceID {
		return nil
	}

	logger.Warn("device id changed, resetting crypto store", "stored", stored, "current", deviceID)
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing crypto store: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

func storedDeviceID(dbPath string) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var deviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return deviceID, err
}
