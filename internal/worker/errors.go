package worker

import (
	"errors"
	"fmt"
)

// Ошибки воркера.
var (
	// ErrUnknownJobType — нет handler'а для типа job.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrJobRecordNotFound — job record для сообщения не найден.
	ErrJobRecordNotFound = errors.New("job record not found")

	// ErrHandlerPanic — handler запаниковал.
	ErrHandlerPanic = errors.New("handler panic")

	// ErrInvalidPayload — payload не разбирается.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrRetryExhausted — все попытки исчерпаны.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Transient помечает ошибку как временную: job будет повторён.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Terminal помечает ошибку как окончательную: повтор не поможет
// (валидация, бизнес-правило, отклонение сетью).
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Terminalf — Terminal(fmt.Errorf(...)).
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// IsTerminal возвращает true для ошибок, помеченных Terminal.
// Неклассифицированные ошибки считаются инфраструктурными — повторяемыми.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// IsTransient возвращает true для ошибок, которые runtime повторит.
func IsTransient(err error) bool {
	return err != nil && !IsTerminal(err)
}
