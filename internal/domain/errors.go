package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidJob возвращается при синхронной валидации: такая задача не попадает в очередь.
var ErrInvalidJob = errors.New("invalid publish job")

// ErrUnknownPlatform возвращается, если у площадки нет зарегистрированного издателя.
var ErrUnknownPlatform = errors.New("unknown platform")

// ErrJobNotFound возвращается, когда задача с указанным идентификатором отсутствует.
var ErrJobNotFound = errors.New("publish job not found")

// PermanentError помечает отказ издателя как неповторяемый: задача уходит
// в abandoned, не расходуя бюджет повторов.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent publish failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError оборачивает ошибку издателя как неповторяемую.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent сообщает, классифицирован ли отказ издателя как неповторяемый.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
