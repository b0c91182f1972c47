package mask

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/solatis/paybridge/internal/types"
)

// numberFormat is the supported subset of decimal patterns:
// optional literal prefix/suffix, '#' and '0' digits, ',' grouping, one '.'
// decimal separator and a '%' in the prefix or suffix.
type numberFormat struct {
	prefix, suffix string
	minInt         int
	minFrac        int
	maxFrac        int
	group          int
	percent        bool
}

func parseNumberFormat(pattern string) (*numberFormat, error) {
	pattern = strings.TrimSpace(pattern)
	start := strings.IndexAny(pattern, "#0,.")
	if start < 0 {
		return nil, fmt.Errorf("%w: number pattern %q has no digits", types.ErrMaskFormat, pattern)
	}
	end := strings.LastIndexAny(pattern, "#0,.") + 1

	nf := &numberFormat{prefix: pattern[:start], suffix: pattern[end:]}
	nf.percent = strings.Contains(nf.prefix, "%") || strings.Contains(nf.suffix, "%")

	intPart, fracPart, _ := strings.Cut(pattern[start:end], ".")
	if strings.Trim(intPart, "#0,") != "" || strings.Trim(fracPart, "#0") != "" {
		return nil, fmt.Errorf("%w: number pattern %q", types.ErrMaskFormat, pattern)
	}

	nf.minInt = strings.Count(intPart, "0")
	if idx := strings.LastIndex(intPart, ","); idx >= 0 {
		nf.group = len(intPart) - idx - 1
		if nf.group == 0 {
			return nil, fmt.Errorf("%w: empty grouping in %q", types.ErrMaskFormat, pattern)
		}
	}
	nf.minFrac = strings.Count(fracPart, "0")
	nf.maxFrac = len(fracPart)
	if strings.TrimLeft(fracPart, "0") != strings.Trim(fracPart, "0") {
		// '0' after '#' in the fraction, e.g. ".#0"
		return nil, fmt.Errorf("%w: fraction digits out of order in %q", types.ErrMaskFormat, pattern)
	}
	return nf, nil
}

func (nf *numberFormat) format(value string) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %q is not a number", types.ErrCoercionFailed, value)
	}
	if nf.percent {
		f *= 100
	}
	neg := f < 0
	s := strconv.FormatFloat(math.Abs(f), 'f', nf.maxFrac, 64)

	ip, fp, _ := strings.Cut(s, ".")
	for len(fp) > nf.minFrac && strings.HasSuffix(fp, "0") {
		fp = fp[:len(fp)-1]
	}
	if ip == "0" && nf.minInt == 0 && fp != "" {
		ip = ""
	}
	for len(ip) < nf.minInt {
		ip = "0" + ip
	}
	if nf.group > 0 && len(ip) > nf.group {
		var b strings.Builder
		lead := len(ip) % nf.group
		if lead > 0 {
			b.WriteString(ip[:lead])
		}
		for i := lead; i < len(ip); i += nf.group {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(ip[i : i+nf.group])
		}
		ip = b.String()
	}

	out := ip
	if fp != "" {
		out += "." + fp
	}
	if neg && strings.Trim(out, "0.,") != "" {
		out = "-" + out
	}
	return nf.prefix + out + nf.suffix, nil
}
