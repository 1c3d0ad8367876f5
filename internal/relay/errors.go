package relay

import "codeberg.org/mutker/enosed/internal/errors"

const (
	ErrNotListening = errors.ErrorCode("relay_not_listening")
	ErrWebSocket    = errors.ErrorCode("relay_websocket_failed")
)
