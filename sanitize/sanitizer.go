package sanitize

import (
	"fmt"
	"strings"

	"github.com/strahe/assessor-sync/models"
)

// HintAuto asks the sanitizer to infer the bucket from the field name.
const HintAuto = "auto"

// Buckets map type buckets to the rule that handles them.
var Buckets = map[string]string{
	"personal_data": string(StrategyMaskText),
	"email":         string(StrategyHashEmail),
	"phone":         string(StrategyGeneralizePhone),
	"address":       string(StrategyGeneralizeAddress),
	"credential":    string(StrategyRedactCredential),
	"date_of_birth": string(StrategyGeneralizeDate),
	"financial":     string(StrategyMaskText),
}

// namePatterns are checked in order; the first matching bucket wins.
var namePatterns = []struct {
	bucket   string
	patterns []string
}{
	{"email", []string{"email", "e_mail", "mail"}},
	{"credential", []string{"password", "passwd", "secret", "token", "api_key", "apikey", "ssn", "credential"}},
	{"date_of_birth", []string{"dob", "birth"}},
	{"phone", []string{"phone", "mobile", "fax", "tel"}},
	{"address", []string{"address", "addr", "street"}},
	{"financial", []string{"account", "iban", "routing", "card", "salary", "income", "bank"}},
	{"personal_data", []string{"name", "owner"}},
}

// InferBucket guesses the bucket of a field from its name.
func InferBucket(field string) (string, bool) {
	f := strings.ToLower(field)
	for _, p := range namePatterns {
		for _, pat := range p.patterns {
			if strings.Contains(f, pat) {
				return p.bucket, true
			}
		}
	}
	return "", false
}

type Sanitizer struct {
	registry *Registry
}

func New(registry *Registry) *Sanitizer {
	return &Sanitizer{registry: registry}
}

func (s *Sanitizer) Registry() *Registry {
	return s.registry
}

// Resolve finds the rule for a field hint: an explicit rule name, a bucket name or
// "auto". ok is false for fields without a hint or without an inferable bucket.
func (s *Sanitizer) Resolve(f models.FieldMapping) (Rule, bool, error) {
	hint := strings.TrimSpace(f.SanitizationHint)
	if hint == "" {
		return Rule{}, false, nil
	}
	if rule, ok := s.registry.Get(hint); ok {
		return rule, true, nil
	}
	if hint == HintAuto {
		bucket, ok := InferBucket(f.SourceName)
		if !ok {
			return Rule{}, false, nil
		}
		hint = bucket
	}
	name, ok := Buckets[hint]
	if !ok {
		return Rule{}, false, fmt.Errorf("%s: %w", hint, models.ErrUnknownRule)
	}
	rule, ok := s.registry.Get(name)
	if !ok {
		return Rule{}, false, fmt.Errorf("%s: %w", name, models.ErrUnknownRule)
	}
	return rule, true, nil
}

// Apply sanitizes one value. event is nil when the field has no rule.
func (s *Sanitizer) Apply(ctx Context, f models.FieldMapping, value any) (any, *models.SanitizationEvent, error) {
	rule, ok, err := s.Resolve(f)
	if err != nil {
		return value, nil, models.NewSanitizationError(f.SanitizationHint, f.SourceName, err)
	}
	if !ok {
		return value, nil, nil
	}
	ev := &models.SanitizationEvent{
		Table:      ctx.Table,
		Field:      f.TargetName,
		PrimaryKey: ctx.PrimaryKey,
		Rule:       rule.Name,
	}
	if value == nil {
		return value, ev, nil
	}
	if !rule.Applies(f.DeclaredType) {
		return value, ev, models.NewSanitizationError(rule.Name, f.SourceName,
			fmt.Errorf("%w: %s", models.ErrRuleNotApplicable, f.DeclaredType))
	}
	ctx.Field = f.SourceName
	out, modified, err := rule.apply(value, ctx)
	if err != nil {
		return value, ev, models.NewSanitizationError(rule.Name, f.SourceName, err)
	}
	ev.Modified = modified
	return out, ev, nil
}

// Row sanitizes every hinted field of row, which is keyed by source column names.
func (s *Sanitizer) Row(ctx Context, m *models.TableMapping, row models.Row) (models.Row, []models.SanitizationEvent, error) {
	out := row.Clone()
	if ctx.PrimaryKey == nil {
		ctx.PrimaryKey = row.Project(m.PrimaryKeys)
	}
	var events []models.SanitizationEvent
	for _, f := range m.Fields {
		if f.SanitizationHint == "" {
			continue
		}
		v, ev, err := s.Apply(ctx, f, out[f.SourceName])
		if err != nil {
			return row, events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
		out[f.SourceName] = v
	}
	return out, events, nil
}
