package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/tgerr"

	"channel-mirror/pkg/mirror"
)

// rpcErrorKind is the retry-relevant class of a Telegram RPC failure.
type rpcErrorKind string

const (
	rpcErrorKindUnknown     rpcErrorKind = "unknown"
	rpcErrorKindRateLimited rpcErrorKind = "rate_limited"
	rpcErrorKindTemporary   rpcErrorKind = "temporary"
	rpcErrorKindPermanent   rpcErrorKind = "permanent"
)

// unavailableRPCTypes mark a channel that cannot be read with this session.
var unavailableRPCTypes = []string{
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"CHAT_ADMIN_REQUIRED",
}

func classifyTelegramRPCError(rpcErr *tgerr.Error) rpcErrorKind {
	if rpcErr == nil {
		return rpcErrorKindUnknown
	}

	errorType := strings.ToUpper(strings.TrimSpace(rpcErr.Type))
	if rpcErr.Code == 420 || rpcErr.Code == 429 || strings.Contains(errorType, "FLOOD") {
		return rpcErrorKindRateLimited
	}

	switch rpcErr.Code {
	case 303:
		return rpcErrorKindTemporary
	case 400, 401, 403, 404, 405, 406:
		return rpcErrorKindPermanent
	}
	if rpcErr.Code >= 500 {
		return rpcErrorKindTemporary
	}

	return rpcErrorKindUnknown
}

// isTransientRPCError reports whether a failed call is worth repeating.
func isTransientRPCError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return true
	}

	rpcErr, ok := tgerr.As(err)
	if !ok {
		return false
	}
	switch classifyTelegramRPCError(rpcErr) {
	case rpcErrorKindRateLimited, rpcErrorKindTemporary:
		return true
	default:
		return false
	}
}

// mapSourceError tags channel access failures with mirror.ErrSourceUnavailable.
func mapSourceError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if tgerr.Is(err, unavailableRPCTypes...) {
		return fmt.Errorf("%s: %w: %w", operation, mirror.ErrSourceUnavailable, err)
	}

	return fmt.Errorf("%s: %w", operation, err)
}
