package sanitize

import (
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/schema"
)

// Strategy tags the built-in behavior of a rule.
type Strategy string

const (
	StrategyMaskText          Strategy = "mask_text"
	StrategyHashEmail         Strategy = "hash_email"
	StrategyRedactCredential  Strategy = "redact_credential"
	StrategyGeneralizePhone   Strategy = "generalize_phone"
	StrategyGeneralizeAddress Strategy = "generalize_address"
	StrategyGeneralizeDate    Strategy = "generalize_date"
	StrategyNullify           Strategy = "nullify"
	StrategyCustom            Strategy = "custom"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyMaskText, StrategyHashEmail, StrategyRedactCredential, StrategyGeneralizePhone,
		StrategyGeneralizeAddress, StrategyGeneralizeDate, StrategyNullify, StrategyCustom:
		return true
	}
	return false
}

// Context is what a rule may depend on besides the value itself.
type Context struct {
	JobID      string
	Seed       string
	Table      string
	Field      string
	PrimaryKey models.Row
}

// Func transforms one value and reports whether it changed it.
type Func func(value any, ctx Context, params map[string]string) (any, bool, error)

// Rule is a named sanitization rule. ApplicableTypes empty means any type.
type Rule struct {
	Name            string
	ApplicableTypes []schema.Family
	Strategy        Strategy
	Params          map[string]string
	Func            Func
}

// Applies reports whether the rule handles values of the declared type.
func (r Rule) Applies(declaredType string) bool {
	if len(r.ApplicableTypes) == 0 {
		return true
	}
	fam := schema.Classify(declaredType)
	for _, t := range r.ApplicableTypes {
		if t == fam || fam == schema.FamilyUnknown {
			return true
		}
	}
	return false
}

func (r Rule) apply(value any, ctx Context) (any, bool, error) {
	fn := r.Func
	if fn == nil {
		fn = builtins[r.Strategy]
	}
	if fn == nil {
		return value, false, nil
	}
	return fn(value, ctx, r.Params)
}

var builtins = map[Strategy]Func{
	StrategyMaskText:          maskText,
	StrategyHashEmail:         hashEmail,
	StrategyRedactCredential:  redactCredential,
	StrategyGeneralizePhone:   generalizePhone,
	StrategyGeneralizeAddress: generalizeAddress,
	StrategyGeneralizeDate:    generalizeDate,
	StrategyNullify:           nullify,
}

var (
	textTypes = []schema.Family{schema.FamilyString}
	dateTypes = []schema.Family{schema.FamilyDate, schema.FamilyTimestamp, schema.FamilyString}
)

// DefaultRules returns the built-in rule set, one rule per strategy.
func DefaultRules() []Rule {
	return []Rule{
		{Name: string(StrategyMaskText), Strategy: StrategyMaskText, ApplicableTypes: textTypes, Params: map[string]string{"filler": "X"}},
		{Name: string(StrategyHashEmail), Strategy: StrategyHashEmail, ApplicableTypes: textTypes, Params: map[string]string{"length": "8"}},
		{Name: string(StrategyRedactCredential), Strategy: StrategyRedactCredential, Params: map[string]string{"filler": "*"}},
		{Name: string(StrategyGeneralizePhone), Strategy: StrategyGeneralizePhone, ApplicableTypes: textTypes},
		{Name: string(StrategyGeneralizeAddress), Strategy: StrategyGeneralizeAddress, ApplicableTypes: textTypes},
		{Name: string(StrategyGeneralizeDate), Strategy: StrategyGeneralizeDate, ApplicableTypes: dateTypes},
		{Name: string(StrategyNullify), Strategy: StrategyNullify},
	}
}
