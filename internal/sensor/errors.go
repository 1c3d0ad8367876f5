package sensor

import "codeberg.org/mutker/enosed/internal/errors"

const (
	ErrNotDataLine = errors.ErrorCode("sensor_not_data_line")
	ErrShortLine   = errors.ErrorCode("sensor_short_line")
	ErrEncode      = errors.ErrorCode("sensor_encode_failed")
)
