package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownProperty는 요소가 모르는 속성이 지정되었을 때 반환됩니다
var ErrUnknownProperty = errors.New("unknown property")

// Props는 요소 속성을 타입별로 읽고, 사용되지 않은 속성을 추적합니다
type Props struct {
	element string
	values  map[string]string
	used    map[string]bool
	err     error
}

func newProps(element string, values map[string]string) *Props {
	return &Props{
		element: element,
		values:  values,
		used:    make(map[string]bool),
	}
}

func (p *Props) lookup(key string) (string, bool) {
	p.used[key] = true
	v, ok := p.values[key]
	return v, ok
}

func (p *Props) fail(key, value, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: property %s=%q: expected %s", p.element, key, value, want)
	}
}

// Has는 속성이 명시되었는지 확인합니다
func (p *Props) Has(key string) bool {
	_, ok := p.lookup(key)
	return ok
}

// String은 문자열 속성을 반환합니다
func (p *Props) String(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

// Int는 정수 속성을 반환합니다
func (p *Props) Int(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "an integer")
		return def
	}
	return n
}

// IntRange는 [lo, hi] 범위의 정수 속성을 반환합니다
func (p *Props) IntRange(key string, def, lo, hi int) int {
	n := p.Int(key, def)
	if n < lo || n > hi {
		p.fail(key, strconv.Itoa(n), fmt.Sprintf("a value in %d..%d", lo, hi))
		return def
	}
	return n
}

// Uint32는 부호 없는 32비트 속성을 반환합니다 (0x 접두사 허용)
func (p *Props) Uint32(key string, def uint32) uint32 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		p.fail(key, v, "an unsigned 32-bit integer")
		return def
	}
	return uint32(n)
}

// Bool은 true/false/yes/no/1/0 속성을 반환합니다
func (p *Props) Bool(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	p.fail(key, v, "a boolean")
	return def
}

// Enum은 허용된 값 중 하나인 속성을 반환합니다
func (p *Props) Enum(key, def string, allowed ...string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.fail(key, v, "one of "+strings.Join(allowed, ", "))
	return def
}

// Fraction은 "30/1" 형식 속성을 반환합니다
func (p *Props) Fraction(key string, def Fraction) Fraction {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := ParseFraction(v)
	if err != nil {
		p.fail(key, v, "a fraction like 30/1")
		return def
	}
	return f
}

// Err는 첫 파싱 오류나 알 수 없는 속성을 반환합니다
func (p *Props) Err() error {
	if p.err != nil {
		return p.err
	}

	var unknown []string
	for k := range p.values {
		if !p.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s has no property %s", ErrUnknownProperty, p.element, strings.Join(unknown, ", "))
	}

	return nil
}
