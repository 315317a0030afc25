package scorer

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/billrecon/internal/model"
)

// Check names.
const (
	CheckFieldsPresent   = "fields_present"
	CheckTotals          = "totals_crosscheck"
	CheckKWh             = "kwh_crosscheck"
	CheckPeriodOrder     = "period_order"
	CheckPeriodFuture    = "period_future"
	CheckVATMath         = "vat_math"
	CheckMPRNFormat      = "mprn_format"
	CheckTotalReasonable = "total_reasonable"
	CheckVATRateRange    = "vat_rate_range"
)

const (
	dateLayout           = "2006-01-02"
	maxReasonableTotal   = 100000
	maxVATRate           = 23
	minVATTolerance      = 0.05
	vatRelativeTolerance = 0.01
)

var mprnFormat = regexp.MustCompile(`^10\d{9}$`)

// check runs one rule against the record. ok is false when the rule does
// not apply because its inputs are missing.
type check func(s *Scorer, r *model.BillingRecord) (c model.Check, ok bool)

var hardChecks = []check{totalsCrosscheck, kwhCrosscheck, periodOrder}

var softChecks = []check{periodFuture, vatMath, mprnFormatCheck, totalReasonable, vatRateRange}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func totalsCrosscheck(s *Scorer, r *model.BillingRecord) (model.Check, bool) {
	sub, ok1 := r.Decimal(model.FieldSubtotal)
	vat, ok2 := r.Decimal(model.FieldVATAmount)
	total, ok3 := r.Decimal(model.FieldTotal)
	if !ok1 || !ok2 || !ok3 {
		return model.Check{}, false
	}
	expected := sub.Add(vat)
	diff := expected.Sub(total).Abs()
	c := model.Check{Name: CheckTotals, Hard: true, Passed: diff.LessThanOrEqual(decimal.NewFromFloat(s.cfg.CurrencyTolerance))}
	if c.Passed {
		c.Message = fmt.Sprintf("subtotal %s + VAT %s matches total %s", money(sub), money(vat), money(total))
	} else {
		c.Message = fmt.Sprintf("subtotal %s + VAT %s = %s but bill total is %s (off by %s)",
			money(sub), money(vat), money(expected), money(total), money(diff))
	}
	return c, true
}

func kwhCrosscheck(s *Scorer, r *model.BillingRecord) (model.Check, bool) {
	total, ok := r.Decimal(model.FieldTotalKWh)
	if !ok {
		return model.Check{}, false
	}
	sum, bands := decimal.Zero, 0
	for _, f := range []model.Field{model.FieldDayKWh, model.FieldNightKWh, model.FieldPeakKWh} {
		if d, ok := r.Decimal(f); ok {
			sum = sum.Add(d)
			bands++
		}
	}
	if bands == 0 {
		return model.Check{}, false
	}
	diff := sum.Sub(total).Abs()
	c := model.Check{Name: CheckKWh, Hard: true, Passed: diff.LessThanOrEqual(decimal.NewFromFloat(s.cfg.KWhTolerance))}
	if c.Passed {
		c.Message = fmt.Sprintf("band consumption %s kWh matches total %s kWh", sum.String(), total.String())
	} else {
		c.Message = fmt.Sprintf("band consumption sums to %s kWh but total is %s kWh (off by %s)",
			sum.String(), total.String(), diff.String())
	}
	return c, true
}

func periodOrder(_ *Scorer, r *model.BillingRecord) (model.Check, bool) {
	if r.StartDate == nil || r.EndDate == nil {
		return model.Check{}, false
	}
	c := model.Check{Name: CheckPeriodOrder, Hard: true, Passed: !r.EndDate.Before(*r.StartDate)}
	if c.Passed {
		c.Message = fmt.Sprintf("period %s to %s", r.StartDate.Format(dateLayout), r.EndDate.Format(dateLayout))
	} else {
		c.Message = fmt.Sprintf("period start %s is after end %s", r.StartDate.Format(dateLayout), r.EndDate.Format(dateLayout))
	}
	return c, true
}

func periodFuture(s *Scorer, r *model.BillingRecord) (model.Check, bool) {
	if r.EndDate == nil {
		return model.Check{}, false
	}
	limit := model.DateOf(s.now()).AddDate(0, 0, s.cfg.MaxFutureDays)
	c := model.Check{Name: CheckPeriodFuture, Passed: !r.EndDate.After(limit)}
	if c.Passed {
		c.Message = fmt.Sprintf("period end %s is not in the far future", r.EndDate.Format(dateLayout))
	} else {
		c.Message = fmt.Sprintf("period end %s is more than %d days after %s",
			r.EndDate.Format(dateLayout), s.cfg.MaxFutureDays, model.DateOf(s.now()).Format(dateLayout))
	}
	return c, true
}

func vatMath(_ *Scorer, r *model.BillingRecord) (model.Check, bool) {
	sub, ok1 := r.Decimal(model.FieldSubtotal)
	rate, ok2 := r.Decimal(model.FieldVATRate)
	vat, ok3 := r.Decimal(model.FieldVATAmount)
	if !ok1 || !ok2 || !ok3 {
		return model.Check{}, false
	}
	expected := sub.Mul(rate).Div(decimal.NewFromInt(100))
	tol := decimal.Max(decimal.NewFromFloat(minVATTolerance), sub.Abs().Mul(decimal.NewFromFloat(vatRelativeTolerance)))
	c := model.Check{Name: CheckVATMath, Passed: expected.Sub(vat).Abs().LessThanOrEqual(tol)}
	if c.Passed {
		c.Message = fmt.Sprintf("VAT %s matches %s%% of %s", money(vat), rate.String(), money(sub))
	} else {
		c.Message = fmt.Sprintf("VAT %s but %s%% of %s is %s", money(vat), rate.String(), money(sub), money(expected))
	}
	return c, true
}

func mprnFormatCheck(_ *Scorer, r *model.BillingRecord) (model.Check, bool) {
	if r.MPRN == "" {
		return model.Check{}, false
	}
	c := model.Check{Name: CheckMPRNFormat, Passed: mprnFormat.MatchString(r.MPRN)}
	if c.Passed {
		c.Message = fmt.Sprintf("MPRN %s is well formed", r.MPRN)
	} else {
		c.Message = fmt.Sprintf("MPRN %q is not 11 digits starting with 10", r.MPRN)
	}
	return c, true
}

func totalReasonable(_ *Scorer, r *model.BillingRecord) (model.Check, bool) {
	total, ok := r.Decimal(model.FieldTotal)
	if !ok {
		return model.Check{}, false
	}
	c := model.Check{Name: CheckTotalReasonable,
		Passed: !total.IsNegative() && total.LessThan(decimal.NewFromInt(maxReasonableTotal))}
	if c.Passed {
		c.Message = fmt.Sprintf("total %s is within range", money(total))
	} else {
		c.Message = fmt.Sprintf("total %s is outside 0 to %d", money(total), maxReasonableTotal)
	}
	return c, true
}

func vatRateRange(_ *Scorer, r *model.BillingRecord) (model.Check, bool) {
	rate, ok := r.Decimal(model.FieldVATRate)
	if !ok {
		return model.Check{}, false
	}
	c := model.Check{Name: CheckVATRateRange,
		Passed: !rate.IsNegative() && rate.LessThanOrEqual(decimal.NewFromInt(maxVATRate))}
	if c.Passed {
		c.Message = fmt.Sprintf("VAT rate %s%% is within range", rate.String())
	} else {
		c.Message = fmt.Sprintf("VAT rate %s%% is outside 0 to %d%%", rate.String(), maxVATRate)
	}
	return c, true
}

// today is the default clock.
func today() time.Time { return time.Now().UTC() }
