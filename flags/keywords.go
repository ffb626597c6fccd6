package flags

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/infodancer/mailstore/errors"
)

// MaxKeywords is the largest keyword table a UserFlags mask can address.
const MaxKeywords = 32

// Keywords is a mailbox's table of user-defined flag names. Slot i
// corresponds to bit i of a UserFlags mask. Names are matched without regard
// to case and keep the spelling they were registered with.
type Keywords struct {
	names []string
	max   int
}

// NewKeywords returns an empty table with room for size names.
func NewKeywords(size int) *Keywords {
	if size <= 0 || size > MaxKeywords {
		size = MaxKeywords
	}
	return &Keywords{max: size}
}

// Len returns the number of registered names.
func (k *Keywords) Len() int {
	return len(k.names)
}

// Full reports whether no slot is left.
func (k *Keywords) Full() bool {
	return len(k.names) >= k.max
}

// Names returns the registered names in slot order.
func (k *Keywords) Names() []string {
	return append([]string(nil), k.names...)
}

// Lookup returns the slot of name.
func (k *Keywords) Lookup(name string) (int, bool) {
	f := fold(name)
	for i, n := range k.names {
		if fold(n) == f {
			return i, true
		}
	}
	return -1, false
}

// Register returns the slot of name, adding it to the first free slot if it
// is new. It fails with errors.ErrKeywordTableFull when no slot is left.
func (k *Keywords) Register(name string) (int, error) {
	if !ValidKeyword(name) {
		return -1, fmt.Errorf("invalid keyword %q", name)
	}
	if i, ok := k.Lookup(name); ok {
		return i, nil
	}
	if k.Full() {
		return -1, fmt.Errorf("%w: %q", errors.ErrKeywordTableFull, name)
	}
	k.names = append(k.names, name)
	return len(k.names) - 1, nil
}

// Mask returns the bitmask for names. Unknown names are registered if
// register is set. Names that could not be mapped are skipped and reported in
// the returned error; the mask of the others is still returned.
func (k *Keywords) Mask(names []string, register bool) (UserFlags, error) {
	var mask UserFlags
	var firstErr error
	for _, name := range names {
		i, ok := k.Lookup(name)
		if !ok && register {
			var err error
			i, err = k.Register(name)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			ok = true
		}
		if ok {
			mask |= 1 << uint(i)
		}
	}
	return mask, firstErr
}

// Select returns the names of the slots set in mask, in slot order.
func (k *Keywords) Select(mask UserFlags) []string {
	var names []string
	for i, n := range k.names {
		if mask&(1<<uint(i)) != 0 {
			names = append(names, n)
		}
	}
	return names
}

// ValidKeyword reports whether name can be stored as a keyword: a non-empty
// IMAP atom that is not a system flag.
func ValidKeyword(name string) bool {
	if name == "" || name[0] == '\\' {
		return false
	}
	for _, c := range name {
		if c <= ' ' || c >= 0x7f || strings.ContainsRune(`(){%*"\]`, c) {
			return false
		}
	}
	return true
}

func fold(s string) string {
	return cases.Fold().String(s)
}
