package executor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnderSigned — транзакция требует подписей, которых у исполнителя нет.
	ErrUnderSigned = errors.New("transaction is under-signed")

	// ErrBundleNotLanded — ни один bundle не попал в блок.
	ErrBundleNotLanded = errors.New("bundle not landed")

	// ErrBundleCredentialsMissing — bundle mode включён, но relay не настроен.
	ErrBundleCredentialsMissing = errors.New("bundle mode requires relay credentials")

	// ErrNoTransactions — пустой batch.
	ErrNoTransactions = errors.New("no transactions to execute")
)

// RejectedError — сеть отклонила транзакцию.
// Повторная отправка той же транзакции бессмысленна.
type RejectedError struct {
	Signature string

	// Reason — ошибка RPC при отправке или ошибка исполнения из статуса.
	Reason any
}

func (e *RejectedError) Error() string {
	if e.Signature == "" {
		return fmt.Sprintf("transaction rejected: %v", e.Reason)
	}
	return fmt.Sprintf("transaction %s rejected: %v", e.Signature, e.Reason)
}

// IndeterminateError — подтверждения не получено ни для одной попытки.
// Транзакции с перечисленными подписями уже не могут попасть в блок.
type IndeterminateError struct {
	Signatures []string
	Attempts   int
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("transaction outcome indeterminate after %d attempts (signatures: %s)",
		e.Attempts, strings.Join(e.Signatures, ", "))
}

// IsRejected проверяет, является ли ошибка отклонением сетью.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsIndeterminate проверяет, является ли исход неопределённым.
func IsIndeterminate(err error) bool {
	var ie *IndeterminateError
	return errors.As(err, &ie)
}
