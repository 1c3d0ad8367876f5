package lineio

import "codeberg.org/mutker/enosed/internal/errors"

const ErrLineTooLongCode = errors.ErrorCode("line_too_long")

// ErrLineTooLong is returned once for every line that exceeded the limit.
// The line has been consumed and reading can continue.
var ErrLineTooLong = errors.New().New(ErrLineTooLongCode)
