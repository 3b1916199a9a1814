package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// itemReader is the part of connect.Client used here.
type itemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// OnePasswordBackend reads item fields through the 1Password Connect API.
//
// A path is "Item Title/field", where field matches a field ID or label
// (case-insensitive). Without a field, "password" is used.
type OnePasswordBackend struct {
	client  itemReader
	vaultID string
	logger  *slog.Logger
}

// NewOnePasswordBackend creates a 1Password-backed resolver backend.
func NewOnePasswordBackend(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordBackend, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "portal-health")
	return newOnePasswordBackend(client, cfg.VaultID, logger), nil
}

func newOnePasswordBackend(client itemReader, vaultID string, logger *slog.Logger) *OnePasswordBackend {
	return &OnePasswordBackend{
		client:  client,
		vaultID: vaultID,
		logger:  logger.With("component", "onepassword"),
	}
}

func (b *OnePasswordBackend) Scheme() string { return SchemeOnePassword }

// Lookup returns the field value named by path.
func (b *OnePasswordBackend) Lookup(ctx context.Context, path string) (string, error) {
	title, field := splitItemPath(path)

	items, err := b.client.GetItemsByTitle(title, b.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%w: item %q", ErrNotFound, title)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: item %q", ErrNotFound, title)
	}
	if len(items) > 1 {
		b.logger.Warn("several items share a title, using the first", "title", title, "count", len(items))
	}

	// Listing omits field values; fetch the full item.
	item, err := b.client.GetItem(items[0].ID, b.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if strings.EqualFold(f.ID, field) || strings.EqualFold(f.Label, field) {
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("%w: field %q of item %q", ErrNotFound, field, title)
}

// splitItemPath splits "Title/field" at the last slash.
func splitItemPath(path string) (title, field string) {
	i := strings.LastIndex(path, "/")
	if i < 0 || i == len(path)-1 {
		return strings.TrimSuffix(path, "/"), "password"
	}
	return path[:i], path[i+1:]
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK reports these only through the message.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
