package repo

import "errors"

// Ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotClaimable — job завершён или выполняется другой доставкой.
	ErrNotClaimable = errors.New("job record is not claimable")

	// ErrRunAlreadyOpen — у кампании уже есть running/paused run.
	ErrRunAlreadyOpen = errors.New("campaign already has an open run")
)
