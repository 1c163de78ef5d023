package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"grid-hedge/internal/core"
)

const (
	apiCodeNewOrderRejected  = -2010
	apiCodeCancelRejected    = -2011
	apiCodeOrderNotFound     = -2013
	apiCodeDuplicateClientID = -4015
)

// classifyResponse maps a non-retryable Binance error body onto the engine's
// error taxonomy so callers can errors.Is against core sentinels.
func classifyResponse(resp *resty.Response) error {
	var apiErr apiError
	if err := json.Unmarshal(resp.Body(), &apiErr); err != nil || apiErr.Code == 0 {
		return fmt.Errorf("%w: status %d: %s", core.ErrNetwork, resp.StatusCode(), resp.String())
	}

	base := fmt.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Msg)
	msg := strings.ToLower(apiErr.Msg)

	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		return fmt.Errorf("%w: %v", core.ErrOrderNotFound, base)
	case apiCodeDuplicateClientID:
		return fmt.Errorf("%w: %v", core.ErrDuplicateOrder, base)
	case apiCodeNewOrderRejected:
		if strings.Contains(msg, "insufficient") {
			return fmt.Errorf("%w: %v", core.ErrInsufficientBalance, base)
		}
		if strings.Contains(msg, "price") {
			return fmt.Errorf("%w: %v", core.ErrInvalidPrice, base)
		}
		return base
	}

	switch {
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %v", core.ErrInsufficientBalance, base)
	case strings.Contains(msg, "duplicate"):
		return fmt.Errorf("%w: %v", core.ErrDuplicateOrder, base)
	case strings.Contains(msg, "price"):
		return fmt.Errorf("%w: %v", core.ErrInvalidPrice, base)
	case apiErr.Code == -1003 || strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %v", core.ErrRateLimited, base)
	}
	return base
}

// IsAPIErrorCode reports whether err carries the given Binance error code.
func IsAPIErrorCode(err error, code int) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "binance api error "+strconv.Itoa(code))
}
