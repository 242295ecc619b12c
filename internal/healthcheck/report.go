package healthcheck

import "context"

// Report is the combined result of several checkers.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

var severity = map[string]int{
	StatusOK:      0,
	StatusUnknown: 1,
	StatusWarn:    2,
	StatusError:   3,
}

// Collect runs every checker in order. The report status is the worst
// status among the checks, or ok when there are none.
func Collect(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusOK, Checks: []CheckResult{}}
	for _, checker := range checkers {
		if checker == nil {
			continue
		}
		for _, item := range checker.ListChecks(ctx) {
			if severity[item.Status] > severity[report.Status] {
				report.Status = item.Status
			}
			report.Checks = append(report.Checks, item)
		}
	}
	return report
}
