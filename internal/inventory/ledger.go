// internal/inventory/ledger.go
package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
)

// BookTx is the slice of an open store transaction the ledger needs.
// LockBook must hold the row until the transaction ends.
type BookTx interface {
	LockBook(ctx context.Context, id uuid.UUID) (*Book, error)
	SetAvailableCopies(ctx context.Context, id uuid.UUID, copies int) error
}

// Ledger moves copies in and out of circulation. It only operates on a
// transaction handle, so every adjustment commits or rolls back together with
// the borrowing change that caused it.
type Ledger struct{}

// Reserve takes one copy off the shelf.
func (Ledger) Reserve(ctx context.Context, tx BookTx, bookID uuid.UUID) (*Book, error) {
	book, err := tx.LockBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.AvailableCopies <= 0 {
		return nil, apperr.OutOfStock("%q has no copies available", book.Title)
	}
	book.AvailableCopies--
	if err := tx.SetAvailableCopies(ctx, book.ID, book.AvailableCopies); err != nil {
		return nil, fmt.Errorf("reserve copy: %w", err)
	}
	return book, nil
}

// Release puts one copy back on the shelf.
func (Ledger) Release(ctx context.Context, tx BookTx, bookID uuid.UUID) (*Book, error) {
	book, err := tx.LockBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	book.AvailableCopies++
	if err := tx.SetAvailableCopies(ctx, book.ID, book.AvailableCopies); err != nil {
		return nil, fmt.Errorf("release copy: %w", err)
	}
	return book, nil
}
