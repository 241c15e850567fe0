package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrSyntax는 파이프라인 설명 문법 오류
var ErrSyntax = errors.New("pipeline syntax error")

// ElementSpec은 설명 안의 요소 하나
type ElementSpec struct {
	Factory string
	Name    string
	Props   map[string]string

	explicitName bool
}

// PadRef는 "demux.video_0" 같은 이름 있는 요소의 src pad 참조
type PadRef struct {
	Element string
	Pad     string
}

func (p PadRef) String() string {
	return p.Element + "." + p.Pad
}

// Chain은 '!'로 연결된 요소 목록
// From이 있으면 그 pad에서 시작합니다
type Chain struct {
	From     *PadRef
	Elements []*ElementSpec
}

// Description은 파싱된 파이프라인 설명
type Description struct {
	Text   string
	Chains []*Chain
}

// Elements는 등장 순서대로 모든 요소를 반환합니다
func (d *Description) Elements() []*ElementSpec {
	var out []*ElementSpec
	for _, c := range d.Chains {
		out = append(out, c.Elements...)
	}
	return out
}

// Element는 이름으로 요소를 찾습니다
func (d *Description) Element(name string) *ElementSpec {
	for _, c := range d.Chains {
		for _, e := range c.Elements {
			if e.Name == name {
				return e
			}
		}
	}
	return nil
}

type token struct {
	text string
	bang bool
}

func syntaxErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

// tokenize는 공백과 '!'로 토큰을 나눕니다. 따옴표 안은 그대로 유지하고 따옴표는 제거합니다
func tokenize(s string) ([]token, error) {
	var (
		tokens []token
		cur    strings.Builder
		inTok  bool
		quote  rune
	)

	flush := func() {
		if inTok {
			tokens = append(tokens, token{text: cur.String()})
			cur.Reset()
			inTok = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if quote != 0 {
			switch {
			case r == '\\' && quote == '"' && i+1 < len(runes):
				i++
				cur.WriteRune(runes[i])
			case r == quote:
				quote = 0
			default:
				cur.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '"' || r == '\'':
			quote = r
			inTok = true
		case r == '!':
			flush()
			tokens = append(tokens, token{bang: true})
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}

	if quote != 0 {
		return nil, syntaxErr("unterminated quote")
	}
	flush()

	return tokens, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func parsePadRef(s string) (PadRef, bool) {
	if strings.ContainsAny(s, "=/,") {
		return PadRef{}, false
	}
	elem, pad, found := strings.Cut(s, ".")
	if !found || !isIdentifier(elem) || (pad != "" && !isIdentifier(pad)) {
		return PadRef{}, false
	}
	return PadRef{Element: elem, Pad: pad}, true
}

// Parse는 GStreamer launch 문법의 부분집합을 파싱합니다
//
//	videotestsrc pattern=bar ! x264enc ! queue ! rtph264pay name=pay0 pt=96
//	filesrc location=a.mp4 ! qtdemux name=demux demux.video_0 ! queue ! rtph264pay name=pay0
func Parse(text string) (*Description, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, syntaxErr("empty pipeline")
	}

	d := &Description{Text: text}

	var (
		cur    *Chain
		last   *ElementSpec
		linked bool
	)

	addElement := func(el *ElementSpec) {
		if linked {
			cur.Elements = append(cur.Elements, el)
			linked = false
		} else {
			cur = &Chain{Elements: []*ElementSpec{el}}
			d.Chains = append(d.Chains, cur)
		}
		last = el
	}

	for _, tok := range tokens {
		switch {
		case tok.bang:
			if linked {
				return nil, syntaxErr("unexpected '!'")
			}
			if last == nil && (cur == nil || cur.From == nil) {
				return nil, syntaxErr("'!' without a preceding element")
			}
			linked = true

		case IsCapsString(tok.text):
			if _, err := ParseCaps(tok.text); err != nil {
				return nil, syntaxErr("%v", err)
			}
			addElement(&ElementSpec{
				Factory: "capsfilter",
				Props:   map[string]string{"caps": tok.text},
			})

		case strings.Contains(tok.text, "="):
			if linked || last == nil {
				return nil, syntaxErr("property %q without an element", tok.text)
			}
			key, value, _ := strings.Cut(tok.text, "=")
			if !isIdentifier(key) {
				return nil, syntaxErr("invalid property name %q", key)
			}
			if key == "name" {
				if !isIdentifier(value) {
					return nil, syntaxErr("invalid element name %q", value)
				}
				last.Name = value
				last.explicitName = true
				continue
			}
			last.Props[key] = value

		default:
			if ref, ok := parsePadRef(tok.text); ok {
				if linked {
					return nil, syntaxErr("linking into pad %s is not supported", tok.text)
				}
				cur = &Chain{From: &ref}
				d.Chains = append(d.Chains, cur)
				last = nil
				continue
			}
			if !isIdentifier(tok.text) {
				return nil, syntaxErr("invalid element %q", tok.text)
			}
			addElement(&ElementSpec{
				Factory: tok.text,
				Props:   make(map[string]string),
			})
		}
	}

	if linked {
		return nil, syntaxErr("pipeline ends with '!'")
	}

	for _, c := range d.Chains {
		if len(c.Elements) == 0 {
			return nil, syntaxErr("pad %s is not linked", c.From)
		}
	}

	if err := d.assignNames(); err != nil {
		return nil, err
	}

	return d, nil
}

// assignNames는 이름 없는 요소에 factoryN 이름을 붙이고 중복을 검사합니다
func (d *Description) assignNames() error {
	taken := make(map[string]bool)
	for _, el := range d.Elements() {
		if !el.explicitName {
			continue
		}
		if taken[el.Name] {
			return syntaxErr("duplicate element name %q", el.Name)
		}
		taken[el.Name] = true
	}

	counters := make(map[string]int)
	for _, el := range d.Elements() {
		if el.explicitName {
			continue
		}
		for {
			n := counters[el.Factory]
			counters[el.Factory]++
			name := el.Factory + strconv.Itoa(n)
			if !taken[name] {
				el.Name = name
				taken[name] = true
				break
			}
		}
	}

	return nil
}
