package urlcheck

import (
	"math"
	"strconv"
	"strings"
)

// ParseTimecode разбирает "SS", "MM:SS" или "HH:MM:SS" (секунды могут быть дробными)
// в секунды. Пустая строка, отрицательные и нечисловые значения дают ok=false.
func ParseTimecode(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	parts := strings.Split(value, ":")
	switch len(parts) {
	case 1:
		return parseSeconds(parts[0])
	case 2:
		m, ok := parseWhole(parts[0])
		if !ok {
			return 0, false
		}
		s, ok := parseSeconds(parts[1])
		if !ok {
			return 0, false
		}
		return float64(m)*60 + s, true
	case 3:
		h, ok := parseWhole(parts[0])
		if !ok {
			return 0, false
		}
		m, ok := parseWhole(parts[1])
		if !ok {
			return 0, false
		}
		s, ok := parseSeconds(parts[2])
		if !ok {
			return 0, false
		}
		return float64(h)*3600 + float64(m)*60 + s, true
	default:
		return 0, false
	}
}

func parseWhole(s string) (int64, bool) {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseSeconds(s string) (float64, bool) {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return 0, false
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
