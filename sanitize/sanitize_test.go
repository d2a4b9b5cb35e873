package sanitize

import (
	"errors"
	"testing"
	"time"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func field(name, hint, typ string) models.FieldMapping {
	return models.FieldMapping{SourceName: name, TargetName: name, DeclaredType: typ, SanitizationHint: hint}
}

func TestMaskText(t *testing.T) {
	s := New(NewRegistry())
	ctx := Context{Seed: "job-1", Table: "parcels"}

	cases := map[any]any{
		"Alice Smith": "AXXXXXXXXXh",
		"Bob Lee":     "BXXXXXe",
		"Al":          "Al",
		"abc":         "aXc",
		int64(42):     int64(42),
	}
	for in, want := range cases {
		got, ev, err := s.Apply(ctx, field("owner_name", "mask_text", "string"), in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "%v", in)
		require.NotNil(t, ev)
		assert.Equal(t, "mask_text", ev.Rule)
		assert.Equal(t, in != want, ev.Modified)
	}
}

func TestHashEmailDeterministic(t *testing.T) {
	s := New(NewRegistry())
	f := field("email", "hash_email", "string")
	a, _, err := s.Apply(Context{Seed: "job-1"}, f, "jane.doe@county.gov")
	require.NoError(t, err)
	b, _, err := s.Apply(Context{Seed: "job-1"}, f, "jane.doe@county.gov")
	require.NoError(t, err)
	c, _, err := s.Apply(Context{Seed: "job-2"}, f, "jane.doe@county.gov")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^[0-9a-f]{8}@county\.gov$`, a)

	out, ev, err := s.Apply(Context{Seed: "job-1"}, f, "not an email")
	require.NoError(t, err)
	assert.Equal(t, "not an email", out)
	assert.False(t, ev.Modified)
}

func TestGeneralizePhone(t *testing.T) {
	s := New(NewRegistry())
	f := field("phone", "phone", "string")
	out, ev, err := s.Apply(Context{Seed: "job-1"}, f, "(509) 555-0142")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "generalize_phone", ev.Rule)
	assert.Regexp(t, `^\(\d{3}\) \d{3}-\d{4}$`, out)

	again, _, err := s.Apply(Context{Seed: "job-1"}, f, "(509) 555-0142")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestGeneralizeDate(t *testing.T) {
	s := New(NewRegistry())
	f := field("dob", "date_of_birth", "date")
	ctx := Context{Seed: "x"}

	out, ev, err := s.Apply(ctx, f, time.Date(1980, 7, 19, 13, 5, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ev.Modified)
	assert.Equal(t, time.Date(1980, 7, 1, 0, 0, 0, 0, time.UTC), out)

	for in, want := range map[string]string{
		"1980-07-19":           "1980-07-01",
		"07/19/1980":           "07/01/1980",
		"1980-07-19T10:00:00Z": "1980-07-01T00:00:00Z",
	} {
		got, _, err := s.Apply(ctx, f, in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, _, err = s.Apply(ctx, f, "sometime in july")
	require.Error(t, err)
	assert.Equal(t, models.KindSanitization, models.KindOf(err))
}

func TestRedactAndNullify(t *testing.T) {
	s := New(NewRegistry())
	out, _, err := s.Apply(Context{}, field("password", "credential", "string"), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "*******", out)

	out, _, err = s.Apply(Context{}, field("pin", "redact_credential", ""), int64(1234))
	require.NoError(t, err)
	assert.Equal(t, "********", out)

	out, ev, err := s.Apply(Context{}, field("notes", "nullify", "string"), "anything")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, ev.Modified)
}

func TestGeneralizeAddress(t *testing.T) {
	s := New(NewRegistry())
	f := field("situs_address", "address", "string")
	out, _, err := s.Apply(Context{}, f, "1201 Main St, Kennewick, WA 99336")
	require.NoError(t, err)
	assert.Equal(t, "Kennewick, WA 99336", out)

	out, _, err = s.Apply(Context{}, f, "1201 Main St")
	require.NoError(t, err)
	assert.Equal(t, "XXXX Main St", out)
}

func TestAutoHintAndApplicability(t *testing.T) {
	s := New(NewRegistry())

	rule, ok, err := s.Resolve(field("owner_email", "auto", "string"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hash_email", rule.Name)

	_, ok, err = s.Resolve(field("parcel_area", "auto", "float"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Resolve(field("x", "no_such_rule", "string"))
	assert.ErrorIs(t, err, models.ErrUnknownRule)

	// a declared type the rule does not cover rejects the row instead of leaking the value
	_, _, err = s.Apply(Context{Seed: "job"}, field("phone", "generalize_phone", "bigint"), int64(5095551234))
	assert.ErrorIs(t, err, models.ErrRuleNotApplicable)
	assert.Equal(t, models.KindSanitization, models.KindOf(err))

	_, _, err = s.Apply(Context{}, field("owner_id", "mask_text", "integer"), int64(123456))
	assert.ErrorIs(t, err, models.ErrRuleNotApplicable)

	// nulls stay null whatever the declared type
	out, ev, err := s.Apply(Context{}, field("owner_id", "mask_text", "integer"), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, ev.Modified)

	// a text column holding a non-string value passes through mask_text unchanged
	out, ev, err = s.Apply(Context{}, field("owner_name", "mask_text", "text"), int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)
	assert.False(t, ev.Modified)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.Names(), "mask_text")

	upper := Rule{
		Name:            "initials",
		Strategy:        StrategyCustom,
		ApplicableTypes: []schema.Family{schema.FamilyString},
		Func: func(v any, _ Context, _ map[string]string) (any, bool, error) {
			s, ok := v.(string)
			if !ok || s == "" {
				return v, false, nil
			}
			return s[:1] + ".", true, nil
		},
	}
	require.NoError(t, r.Register(upper))
	assert.ErrorIs(t, r.Register(upper), models.ErrDuplicateRule)
	assert.Error(t, r.Register(Rule{Name: "broken", Strategy: StrategyCustom}))

	out, _, err := New(r).Apply(Context{}, field("owner_name", "initials", "string"), "Alice")
	require.NoError(t, err)
	assert.Equal(t, "A.", out)

	upper.Func = func(v any, _ Context, _ map[string]string) (any, bool, error) {
		return nil, false, errors.New("rule failed")
	}
	require.NoError(t, r.Override(upper))
	_, _, err = New(r).Apply(Context{}, field("owner_name", "initials", "string"), "Alice")
	assert.Equal(t, models.KindSanitization, models.KindOf(err))

	require.NoError(t, r.Remove("initials"))
	assert.ErrorIs(t, r.Remove("initials"), models.ErrUnknownRule)
	assert.ErrorIs(t, r.Override(upper), models.ErrUnknownRule)

	require.NoError(t, r.Close())
	assert.Empty(t, r.Names())
}

func TestSanitizeRow(t *testing.T) {
	s := New(NewRegistry())
	m := &models.TableMapping{
		Name:        "parcels",
		PrimaryKeys: []string{"parcel_id"},
		Fields: []models.FieldMapping{
			field("parcel_id", "", "integer"),
			field("owner_name", "mask_text", "string"),
			field("mail", "hash_email", "string"),
		},
	}
	row := models.Row{"parcel_id": int64(1), "owner_name": "Alice Smith", "mail": nil}
	out, events, err := s.Row(Context{Seed: "s", Table: "parcels"}, m, row)
	require.NoError(t, err)
	assert.Equal(t, "AXXXXXXXXXh", out["owner_name"])
	assert.Equal(t, "Alice Smith", row["owner_name"])
	require.Len(t, events, 2)
	assert.Equal(t, models.Row{"parcel_id": int64(1)}, events[0].PrimaryKey)
	assert.False(t, events[1].Modified)
}
