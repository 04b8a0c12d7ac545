package webapi

import (
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/cryguy/fetch/internal/core"
)

// cronParser accepts the 5-field format (minute hour day month weekday)
// and @-descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron checks a cron expression passed to Fetcher.Scheduled.
func ValidateCron(expr string) error {
	if strings.HasPrefix(strings.TrimSpace(expr), "@every") {
		return core.Invalidf("cron: interval descriptors are not supported: %q", expr)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return core.Invalidf("cron: %v", err)
	}
	return nil
}
