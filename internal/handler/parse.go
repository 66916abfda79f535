package handler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"bizsim/internal/model"
)

const noEffect = "none"

// Parse errors.
var (
	ErrBadEffect = errors.New("effect must look like x1.5, +50, -20 or none")
	ErrBadNumber = errors.New("not a number")
)

// ParseDecision splits command arguments into free text and key=value choices.
func ParseDecision(args []string) model.DecisionPayload {
	var p model.DecisionPayload
	words := make([]string, 0, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if ok && k != "" && v != "" {
			if p.Choices == nil {
				p.Choices = make(map[string]string)
			}
			p.Choices[k] = v
			continue
		}
		words = append(words, arg)
	}
	p.Action = strings.Join(words, " ")
	return p
}

// ParseEffect reads a modifier effect: xN is a multiplier, +N or -N a flat bonus
// and "none" no numeric effect at all.
func ParseEffect(s string) (multiplier, flat *float64, err error) {
	if strings.EqualFold(s, noEffect) {
		return nil, nil, nil
	}
	if len(s) < 2 {
		return nil, nil, ErrBadEffect
	}
	switch s[0] {
	case 'x', 'X', '*':
		v, err := strconv.ParseFloat(s[1:], 64)
		if err != nil || v < 0 || !finite(v) {
			return nil, nil, ErrBadEffect
		}
		return &v, nil, nil
	case '+', '-':
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || !finite(v) {
			return nil, nil, ErrBadEffect
		}
		return nil, &v, nil
	default:
		return nil, nil, ErrBadEffect
	}
}

// FormatEffect is the inverse of ParseEffect.
func FormatEffect(multiplier, flat *float64) string {
	if multiplier == nil && flat == nil {
		return noEffect
	}
	var parts []string
	if multiplier != nil {
		parts = append(parts, "x"+strconv.FormatFloat(*multiplier, 'g', -1, 64))
	}
	if flat != nil {
		s := strconv.FormatFloat(*flat, 'g', -1, 64)
		if !strings.HasPrefix(s, "-") {
			s = "+" + s
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// ParseAttributes splits a comma separated attribute list.
func ParseAttributes(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// ParseAmount reads a non-negative amount.
func ParseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || !finite(v) {
		return 0, fmt.Errorf("%w: %q", ErrBadNumber, s)
	}
	return v, nil
}

// ParseRound reads a positive round number.
func ParseRound(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadNumber, s)
	}
	return v, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
