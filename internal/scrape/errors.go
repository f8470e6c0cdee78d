package scrape

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a scrape failure.
type Kind string

const (
	KindNavigation      Kind = "navigation"
	KindCaptcha         Kind = "captcha"
	KindProxy           Kind = "proxy"
	KindSelectorChanged Kind = "selector_changed"
	KindDataMissing     Kind = "data_missing"
	// KindRetriesExhausted is terminal: every attempt failed.
	KindRetriesExhausted Kind = "retries_exhausted"
)

// Error is a typed scrape failure. For KindRetriesExhausted, Reason is the
// kind of the last attempt and Attempts holds every attempt's error.
type Error struct {
	Kind     Kind
	Reason   Kind
	URL      string
	Selector string
	Message  string
	Attempts []error
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Kind == KindRetriesExhausted {
		fmt.Fprintf(&b, " after %d attempts (last: %s)", len(e.Attempts), e.Reason)
	}
	if e.URL != "" {
		b.WriteString(" for " + e.URL)
	}
	if e.Selector != "" {
		b.WriteString(" selector " + e.Selector)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Kind == KindRetriesExhausted {
		return e.Attempts
	}
	if e.Err != nil {
		return []error{e.Err}
	}
	return nil
}

// Terminal reports whether the failure needs operator attention rather than
// another try.
func (e *Error) Terminal() bool {
	return e.Kind == KindRetriesExhausted
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func failure(kind Kind, selector, msg string, err error) *Error {
	return &Error{Kind: kind, Selector: selector, Message: msg, Err: err}
}
