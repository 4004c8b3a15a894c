package formula

import (
	"strings"
)

// BalanceFilter restricts an account-code term to debit or credit accounts,
// judged on each account's total.
type BalanceFilter byte

const (
	FilterNone   BalanceFilter = 0
	FilterDebit  BalanceFilter = 'D'
	FilterCredit BalanceFilter = 'C'
)

// AccountTerm is one signed prefix of an account_codes formula.
type AccountTerm struct {
	Sign     int
	Prefix   string
	Excluded []string
	Filter   BalanceFilter
}

// Matches reports whether the account code falls under the term.
func (t AccountTerm) Matches(code string) bool {
	if !strings.HasPrefix(code, t.Prefix) {
		return false
	}
	for _, ex := range t.Excluded {
		if strings.HasPrefix(code, ex) {
			return false
		}
	}
	return true
}

// ParseAccountCodes parses formulas such as `101 + 102\(1021,1022)D - 40C`.
// A trailing C or D selects credit or debit account totals; a prefix that
// itself ends with C or D needs an empty exclusion list, e.g. `ABC\()`.
func ParseAccountCodes(src string) ([]AccountTerm, error) {
	p := &accountParser{src: src}
	var terms []AccountTerm
	for {
		p.skip()
		if p.pos >= len(p.src) {
			break
		}
		sign := 1
		switch p.src[p.pos] {
		case '+':
			p.pos++
		case '-':
			sign = -1
			p.pos++
		default:
			if len(terms) > 0 {
				return nil, syntaxErr(src, p.pos, "expected '+' or '-'")
			}
		}
		p.skip()
		term, err := p.term()
		if err != nil {
			return nil, err
		}
		term.Sign = sign
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, syntaxErr(src, -1, "empty account codes formula")
	}
	return terms, nil
}

type accountParser struct {
	src string
	pos int
}

func (p *accountParser) skip() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *accountParser) word() string {
	start := p.pos
	for p.pos < len(p.src) && isCodeByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *accountParser) term() (AccountTerm, error) {
	start := p.pos
	var t AccountTerm
	prefix := p.word()
	excluded := false
	if strings.HasPrefix(p.src[p.pos:], `\(`) {
		excluded = true
		p.pos += 2
		for {
			p.skip()
			ex := p.word()
			p.skip()
			if ex != "" {
				t.Excluded = append(t.Excluded, ex)
			}
			if p.pos >= len(p.src) {
				return t, syntaxErr(p.src, p.pos, "unterminated exclusion list")
			}
			if p.src[p.pos] == ')' {
				p.pos++
				break
			}
			if p.src[p.pos] != ',' || ex == "" {
				return t, syntaxErr(p.src, p.pos, "malformed exclusion list")
			}
			p.pos++
		}
		p.skip()
		if p.pos < len(p.src) && (p.src[p.pos] == 'C' || p.src[p.pos] == 'D') {
			t.Filter = BalanceFilter(p.src[p.pos])
			p.pos++
		}
	} else if n := len(prefix); n > 1 && (prefix[n-1] == 'C' || prefix[n-1] == 'D') {
		t.Filter = BalanceFilter(prefix[n-1])
		prefix = prefix[:n-1]
	}
	if prefix == "" && !excluded {
		return t, syntaxErr(p.src, start, "missing account prefix")
	}
	if p.pos < len(p.src) && p.src[p.pos] != ' ' && p.src[p.pos] != '+' && p.src[p.pos] != '-' {
		return t, syntaxErr(p.src, p.pos, "unexpected %q", p.src[p.pos])
	}
	for _, ex := range t.Excluded {
		if !strings.HasPrefix(ex, prefix) {
			return t, syntaxErr(p.src, start, "excluded prefix %q is not under %q", ex, prefix)
		}
	}
	t.Prefix = prefix
	return t, nil
}

func isCodeByte(ch byte) bool {
	return ch == '.' || (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// ParseTag validates a tax_tags formula and returns the signed tag names
// carried by ledger rows.
func ParseTag(src string) (positive, negative string, err error) {
	name := strings.TrimSpace(src)
	if name == "" {
		return "", "", syntaxErr(src, -1, "empty tag name")
	}
	if strings.ContainsAny(name[:1], "+-") {
		return "", "", syntaxErr(src, 0, "tag name must not carry a sign")
	}
	if strings.ContainsAny(name, "|\"'") {
		return "", "", syntaxErr(src, -1, "tag name contains reserved characters")
	}
	return "+" + name, "-" + name, nil
}
