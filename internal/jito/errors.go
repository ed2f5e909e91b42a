package jito

import "errors"

var (
	// ErrNoTipAccounts — relay не вернул tip accounts.
	ErrNoTipAccounts = errors.New("relay returned no tip accounts")

	// ErrBundleTooLarge — в bundle больше BundleSizeLimit транзакций.
	ErrBundleTooLarge = errors.New("bundle exceeds size limit")

	// ErrEmptyBundle — bundle без транзакций.
	ErrEmptyBundle = errors.New("bundle is empty")

	// ErrClosed — клиент закрыт.
	ErrClosed = errors.New("relay client closed")
)
