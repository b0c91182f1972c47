package mask

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/paybridge/internal/types"
)

// inputLayouts are tried in order when parsing a date value.
var inputLayouts = []string{
	"20060102 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102150405",
	"2006-01-02",
	"20060102",
}

func formatDate(layout, value string) (string, error) {
	value = strings.TrimSpace(value)
	if len(value) == 13 && isDigits(value) {
		ms, _ := strconv.ParseInt(value, 10, 64)
		return time.UnixMilli(ms).UTC().Format(layout), nil
	}
	for _, in := range inputLayouts {
		if t, err := time.Parse(in, value); err == nil {
			return t.Format(layout), nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a date", types.ErrCoercionFailed, value)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// javaToLayout converts a SimpleDateFormat-style pattern to a Go layout.
func javaToLayout(pattern string) (string, error) {
	var b strings.Builder
	src := []rune(strings.TrimSpace(pattern))

	for i := 0; i < len(src); {
		r := src[i]

		if r == '\'' {
			end := i + 1
			if end < len(src) && src[end] == '\'' {
				b.WriteRune('\'')
				i += 2
				continue
			}
			for end < len(src) && src[end] != '\'' {
				end++
			}
			b.WriteString(string(src[i+1 : end]))
			i = end + 1
			continue
		}

		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			i++
			continue
		}

		n := 1
		for i+n < len(src) && src[i+n] == r {
			n++
		}
		tok, err := dateToken(r, n)
		if err != nil {
			return "", fmt.Errorf("%w: %v in %q", types.ErrMaskFormat, err, pattern)
		}
		b.WriteString(tok)
		i += n
	}
	return b.String(), nil
}

func dateToken(r rune, n int) (string, error) {
	switch r {
	case 'y':
		if n == 2 {
			return "06", nil
		}
		return "2006", nil
	case 'M':
		switch n {
		case 1:
			return "1", nil
		case 2:
			return "01", nil
		case 3:
			return "Jan", nil
		default:
			return "January", nil
		}
	case 'd':
		if n == 1 {
			return "2", nil
		}
		return "02", nil
	case 'H':
		return "15", nil
	case 'h':
		if n == 1 {
			return "3", nil
		}
		return "03", nil
	case 'm':
		if n == 1 {
			return "4", nil
		}
		return "04", nil
	case 's':
		if n == 1 {
			return "5", nil
		}
		return "05", nil
	case 'S':
		return strings.Repeat("0", n), nil
	case 'a':
		return "PM", nil
	case 'E':
		if n <= 3 {
			return "Mon", nil
		}
		return "Monday", nil
	case 'z':
		return "MST", nil
	case 'Z':
		return "-0700", nil
	case 'X':
		switch n {
		case 1:
			return "-07", nil
		case 2:
			return "-0700", nil
		default:
			return "-07:00", nil
		}
	}
	return "", fmt.Errorf("unsupported date letter %q", r)
}
