package notify

import "errors"

var ErrInvalidRecipient = errors.New("recipient id must be positive")
