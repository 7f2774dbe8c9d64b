package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
)

type options struct {
	From       time.Time
	To         time.Time
	Platforms  []string
	SummaryOut string
}

// parseFlags reads the command line. The date range defaults to yesterday
// (UTC) relative to now.
func parseFlags(args []string, now time.Time) (options, error) {
	fs := flag.NewFlagSet("usageledger", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	yesterday := sourcedomain.Day(now).AddDate(0, 0, -1).Format(sourcedomain.DateLayout)
	from := fs.String("from", "", "first activity date to process (YYYY-MM-DD), defaults to -to")
	to := fs.String("to", yesterday, "last activity date to process (YYYY-MM-DD)")
	platforms := fs.String("platforms", "", "comma-separated platforms, defaults to every configured platform")
	summaryOut := fs.String("summary-out", "", "write the run summary to this file (.json, .yml or .yaml)")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var opts options
	var err error
	if opts.To, err = time.Parse(sourcedomain.DateLayout, strings.TrimSpace(*to)); err != nil {
		return options{}, fmt.Errorf("invalid -to: %w", err)
	}
	opts.From = opts.To
	if strings.TrimSpace(*from) != "" {
		if opts.From, err = time.Parse(sourcedomain.DateLayout, strings.TrimSpace(*from)); err != nil {
			return options{}, fmt.Errorf("invalid -from: %w", err)
		}
	}
	if opts.To.Before(opts.From) {
		return options{}, fmt.Errorf("-from %s is after -to %s", opts.From.Format(sourcedomain.DateLayout), opts.To.Format(sourcedomain.DateLayout))
	}

	opts.Platforms = lo.Uniq(lo.FilterMap(strings.Split(*platforms, ","), func(p string, _ int) (string, bool) {
		p = strings.ToLower(strings.TrimSpace(p))
		return p, p != ""
	}))
	opts.SummaryOut = strings.TrimSpace(*summaryOut)
	return opts, nil
}
