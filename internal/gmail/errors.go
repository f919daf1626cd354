package gmail

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/talentmesh/mailsync-worker/internal/service"
)

// classify maps a raw upstream error onto one of the service error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return fmt.Errorf("%w: %v", service.ErrCredentialInvalid, err)
		case gerr.Code == 429 || isRateLimitReason(gerr):
			return fmt.Errorf("%w: %v", service.ErrRateLimited, err)
		case gerr.Code == 403:
			return fmt.Errorf("%w: %v", service.ErrCredentialInvalid, err)
		case gerr.Code >= 500:
			return fmt.Errorf("%w: %v", service.ErrTransient, err)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		// invalid_grant means the refresh token itself was rejected
		if rerr.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %v", service.ErrCredentialInvalid, err)
		}
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", service.ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", service.ErrCredentialInvalid, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: call timed out: %v", service.ErrTransient, err)
	}

	return fmt.Errorf("%w: %v", service.ErrTransient, err)
}

func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}
