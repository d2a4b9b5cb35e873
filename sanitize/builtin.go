package sanitize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const fixedFiller = "********"

func maskText(value any, _ Context, params map[string]string) (any, bool, error) {
	s, ok := value.(string)
	if !ok {
		return value, false, nil
	}
	n := utf8.RuneCountInString(s)
	if n < 3 {
		return s, false, nil
	}
	filler := params["filler"]
	if filler == "" {
		filler = "X"
	}
	runes := []rune(s)
	out := string(runes[0]) + strings.Repeat(filler, n-2) + string(runes[n-1])
	return out, out != s, nil
}

func hashEmail(value any, ctx Context, params map[string]string) (any, bool, error) {
	s, ok := value.(string)
	if !ok {
		return value, false, nil
	}
	local, domain, found := strings.Cut(s, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") || !strings.Contains(domain, ".") {
		return s, false, nil
	}
	length := 8
	if v, err := strconv.Atoi(params["length"]); err == nil && v > 0 && v <= 64 {
		length = v
	}
	sum := hex.EncodeToString(digest(ctx.Seed, "hash_email", local))
	return sum[:length] + "@" + domain, true, nil
}

func redactCredential(value any, _ Context, params map[string]string) (any, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, false, nil
	case string:
		filler := params["filler"]
		if filler == "" {
			filler = "*"
		}
		out := strings.Repeat(filler, utf8.RuneCountInString(v))
		return out, out != v, nil
	default:
		return fixedFiller, true, nil
	}
}

// generalizePhone replaces every digit with one drawn from a keyed digest of the whole
// value, so the same number maps to the same output within a job.
func generalizePhone(value any, ctx Context, _ map[string]string) (any, bool, error) {
	s, ok := value.(string)
	if !ok {
		return value, false, nil
	}
	stream := digestStream(ctx.Seed, "generalize_phone", s)
	var b strings.Builder
	i := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteByte('0' + stream(i)%10)
			i++
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	return out, out != s, nil
}

// generalizeAddress keeps the locality after the first comma. Without a comma the
// digits are masked.
func generalizeAddress(value any, _ Context, _ map[string]string) (any, bool, error) {
	s, ok := value.(string)
	if !ok {
		return value, false, nil
	}
	if _, rest, found := strings.Cut(s, ","); found {
		out := strings.TrimSpace(rest)
		return out, out != s, nil
	}
	out := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return 'X'
		}
		return r
	}, s)
	return out, out != s, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
}

var errUnrecognizedDate = errors.New("unrecognized date format")

func generalizeDate(value any, _ Context, _ map[string]string) (any, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, false, nil
	case time.Time:
		out := firstOfMonth(v)
		return out, !out.Equal(v), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, s)
			if err != nil {
				continue
			}
			out := firstOfMonth(t).Format(layout)
			return out, out != v, nil
		}
		return v, false, errUnrecognizedDate
	default:
		return v, false, errUnrecognizedDate
	}
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func nullify(value any, _ Context, _ map[string]string) (any, bool, error) {
	return nil, value != nil, nil
}

func digest(seed, rule, value string) []byte {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(rule))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// digestStream returns an indexable byte stream derived from (seed, rule, value),
// extended by re-keying with a block counter.
func digestStream(seed, rule, value string) func(int) byte {
	var blocks [][]byte
	return func(i int) byte {
		for len(blocks) <= i/sha256.Size {
			blocks = append(blocks, digest(seed, rule+"#"+strconv.Itoa(len(blocks)), value))
		}
		return blocks[i/sha256.Size][i%sha256.Size]
	}
}
