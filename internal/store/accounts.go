package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"listing-repricer/internal/db"
	"listing-repricer/internal/logging"
	"listing-repricer/internal/models"
	"listing-repricer/internal/security"
)

// Accounts is the credential store: one encrypted refresh credential and a
// connection-status flag per account. No access credential is ever written
// here; there is no column for one.
type Accounts struct {
	db  *db.DB
	key []byte
	log *slog.Logger
}

func NewAccounts(log *slog.Logger, dbConn *db.DB, encryptionKey []byte) (*Accounts, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Accounts{db: dbConn, key: encryptionKey, log: log}, nil
}

// EncryptedRefreshCredential implements marketplace.CredentialSource. The
// ciphertext is returned as stored; decryption happens in the token
// lifecycle, in memory only.
func (a *Accounts) EncryptedRefreshCredential(ctx context.Context, accountID string) (string, bool, error) {
	var enc *string
	var status string
	err := a.db.Pool.QueryRow(ctx,
		`SELECT refresh_credential_enc, status FROM accounts WHERE account_id = $1`,
		accountID,
	).Scan(&enc, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read credential: %w", err)
	}
	if enc == nil || *enc == "" || status != string(models.AccountConnected) {
		return "", false, nil
	}
	return *enc, true, nil
}

// MarkInvalid implements marketplace.CredentialSource: flips the account to
// invalid and clears the stored credential. The account stays excluded from
// scheduling until the user re-authorizes.
func (a *Accounts) MarkInvalid(ctx context.Context, accountID string) error {
	_, err := a.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET status = $1, refresh_credential_enc = NULL, updated_at = NOW()
		 WHERE account_id = $2`,
		string(models.AccountInvalid),
		accountID,
	)
	if err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	a.log.Warn("account_marked_invalid", "account_id", accountID)
	return nil
}

// Connect stores a refresh credential obtained from a completed
// authorization handshake. The credential is encrypted before the row is
// touched and the plaintext never reaches a log line unmasked.
func (a *Accounts) Connect(ctx context.Context, accountID, refreshCredential string) error {
	enc, err := security.EncryptCredential(refreshCredential, a.key)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	_, err = a.db.Pool.Exec(ctx,
		`INSERT INTO accounts (account_id, refresh_credential_enc, status, connected_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (account_id) DO UPDATE
		 SET refresh_credential_enc = EXCLUDED.refresh_credential_enc,
		     status = EXCLUDED.status,
		     connected_at = NOW(),
		     updated_at = NOW()`,
		accountID,
		enc,
		string(models.AccountConnected),
	)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	a.log.Info("account_connected",
		"account_id", accountID,
		"credential", logging.MaskToken(refreshCredential),
	)
	return nil
}

// Disconnect nulls the credential and flips the status. Row is kept so the
// account's listings and ledger history stay attached.
func (a *Accounts) Disconnect(ctx context.Context, accountID string) error {
	tag, err := a.db.Pool.Exec(ctx,
		`UPDATE accounts
		 SET status = $1, refresh_credential_enc = NULL, updated_at = NOW()
		 WHERE account_id = $2`,
		string(models.AccountDisconnected),
		accountID,
	)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	a.log.Info("account_disconnected", "account_id", accountID)
	return nil
}

// List returns account status rows for the operator view. Credential
// material is not selected.
func (a *Accounts) List(ctx context.Context) ([]models.Account, error) {
	rows, err := a.db.Pool.Query(ctx,
		`SELECT account_id, status, connected_at, updated_at
		 FROM accounts
		 ORDER BY account_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]models.Account, 0)
	for rows.Next() {
		var acc models.Account
		var connectedAt *time.Time
		if err := rows.Scan(&acc.ID, &acc.Status, &connectedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		acc.ConnectedAt = connectedAt
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}
