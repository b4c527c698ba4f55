package reader

import (
	"context"
	"errors"

	"github.com/devblac/solana-event-reader/internal/storage"
)

// StoreAdapter exposes a storage.Store as both CursorStore and ReportStore.
type StoreAdapter struct {
	Store *storage.Store
}

func (a StoreAdapter) LoadCursor(ctx context.Context, account string) (Cursor, bool, error) {
	c, ok, err := a.Store.GetCursor(ctx, account)
	if err != nil || !ok {
		return Cursor{}, ok, err
	}
	return Cursor{Signature: c.Signature, Slot: c.Slot}, true, nil
}

func (a StoreAdapter) SaveCursor(ctx context.Context, account string, c Cursor) error {
	return a.Store.SaveCursor(ctx, account, c.Signature, c.Slot)
}

func (a StoreAdapter) SaveReport(ctx context.Context, r Report) error {
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	if msg == "" {
		return errors.New("report without error")
	}
	return a.Store.InsertReport(ctx, storage.Report{
		ID:        r.ID,
		Account:   r.Account,
		Signature: r.Signature,
		Kind:      string(r.Kind),
		Message:   msg,
		Snippet:   r.Snippet,
		CreatedAt: r.At,
	})
}
