package gateway

import (
	"strings"

	"github.com/Fuonder/formapay/internal/models"
)

type dialPlan struct {
	code    string
	lengths []int
}

var dialPlans = map[string]dialPlan{
	"BJ": {code: "229", lengths: []int{8, 10}},
	"CI": {code: "225", lengths: []int{10}},
	"SN": {code: "221", lengths: []int{9}},
	"TG": {code: "228", lengths: []int{8}},
	"BF": {code: "226", lengths: []int{8}},
	"ML": {code: "223", lengths: []int{8}},
	"NE": {code: "227", lengths: []int{8}},
	"CM": {code: "237", lengths: []int{9}},
	"KE": {code: "254", lengths: []int{9}},
}

func (p dialPlan) accepts(local string) bool {
	for _, l := range p.lengths {
		if len(local) == l {
			return true
		}
	}
	return false
}

func SupportedCountry(country string) bool {
	_, ok := dialPlans[strings.ToUpper(country)]
	return ok
}

// NormalizePhone returns the number as international digits without "+", e.g. 22997000000.
func NormalizePhone(phone, country string) (string, error) {
	plan, ok := dialPlans[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		return "", models.Validationf("unsupported payout country %q", country)
	}

	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", models.Validationf("phone number contains %q", r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")

	if local, found := strings.CutPrefix(digits, plan.code); found && plan.accepts(local) {
		return plan.code + local, nil
	}
	if plan.accepts(digits) {
		return plan.code + digits, nil
	}
	if local, found := strings.CutPrefix(digits, "0"); found && plan.accepts(local) {
		return plan.code + local, nil
	}
	return "", models.Validationf("invalid phone number for %s", strings.ToUpper(country))
}

// MaskPhone keeps the last three digits for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(phone)-3) + phone[len(phone)-3:]
}
