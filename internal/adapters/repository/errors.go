package repository

import (
	"errors"
	"fmt"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Sentinel kinds for store and ranking errors.
var (
	ErrNotRanked     = fmt.Errorf("%w: entity not ranked", model.ErrNotFound)
	ErrInvalidLimit  = fmt.Errorf("%w: invalid ranking limit", model.ErrValidation)
	ErrUnknownDriver = errors.New("unknown database driver")
)
