// Package intspan compresses sets of integers into arithmetic-progression
// spans and renders them in the compact selector notation used on data-query
// command lines ("1..5", "1..9:2", "1^4^9"). The inverse parser expands the
// notation back into the original integers.
package intspan

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Predefined errors
var (
	// ErrBadNotation indicates a selector expression that cannot be parsed
	ErrBadNotation = errors.New("intspan: malformed compact notation")
)

// Span is an inclusive arithmetic progression: First, First+Stride, ..., Last.
type Span struct {
	First  int
	Last   int
	Stride int
}

// String renders the span in compact notation.
// A single value renders bare, stride 1 as "a..b", otherwise "a..b:s".
func (s Span) String() string {
	switch {
	case s.First == s.Last:
		return strconv.Itoa(s.First)
	case s.Stride == 1:
		return fmt.Sprintf("%d..%d", s.First, s.Last)
	default:
		return fmt.Sprintf("%d..%d:%d", s.First, s.Last, s.Stride)
	}
}

// Ints expands the span into the integers it covers, in ascending order.
func (s Span) Ints() []int {
	var values []int
	for v := s.First; v <= s.Last; v += s.Stride {
		values = append(values, v)
	}
	return values
}

// FromIntegers collapses a set of integers into the shortest list of spans
// whose union equals the input, preferring long spans over singletons.
// Duplicates are ignored; the result is ordered by ascending First.
func FromIntegers(ints []int) []Span {
	sorted := make([]int, len(ints))
	copy(sorted, ints)
	sort.Ints(sorted)

	unique := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != unique[len(unique)-1] {
			unique = append(unique, v)
		}
	}

	return spansFromSorted(unique)
}

// spansFromSorted is the recursive core of FromIntegers. Its argument must be
// sorted and free of duplicates.
//
// A single stride is chosen per call: the smallest gap among all windows of
// three consecutive values whose two gaps are equal. Maximal runs of windows
// matching that stride become spans; the elements left outside any run are
// compacted again by recursion. Every emitted span covers at least three
// elements, so each recursion strictly shrinks its input.
func spansFromSorted(a []int) []Span {
	n := len(a)
	if n <= 2 {
		return singletons(a)
	}

	stride := 0
	for w := 0; w+2 < n; w++ {
		d := a[w+1] - a[w]
		if a[w+2]-a[w+1] == d && (stride == 0 || d < stride) {
			stride = d
		}
	}
	if stride == 0 {
		// No three consecutive values are evenly spaced.
		return singletons(a)
	}

	matches := func(w int) bool {
		return a[w+1]-a[w] == stride && a[w+2]-a[w+1] == stride
	}

	var spans []Span
	next := 0 // first element not yet emitted
	for w := 0; w+2 < n; {
		if !matches(w) {
			w++
			continue
		}
		runStart := w
		for w+2 < n && matches(w) {
			w++
		}
		// Windows runStart..w-1 all match, covering a[runStart]..a[w+1].
		if runStart > next {
			spans = append(spans, spansFromSorted(a[next:runStart])...)
		}
		spans = append(spans, Span{First: a[runStart], Last: a[w+1], Stride: stride})
		next = w + 2
	}
	if next < n {
		spans = append(spans, spansFromSorted(a[next:])...)
	}
	return spans
}

func singletons(a []int) []Span {
	spans := make([]Span, 0, len(a))
	for _, v := range a {
		spans = append(spans, Span{First: v, Last: v, Stride: 1})
	}
	return spans
}

// Render joins the compact notations of spans with "^".
func Render(spans []Span) string {
	parts := make([]string, len(spans))
	for i, s := range spans {
		parts[i] = s.String()
	}
	return strings.Join(parts, "^")
}

// Compact renders a set of integers directly into compact notation.
func Compact(ints []int) string {
	return Render(FromIntegers(ints))
}

var itemRe = regexp.MustCompile(`^(\d+)\.\.(\d+)(?::(\d+))?$`)

// Parse expands a compact selector expression into the integers it denotes.
// Each "^"-separated item is a bare integer, "a..b", or "a..b:s". The values
// are returned in the order the items produce them; no de-duplication is
// performed.
func Parse(expr string) ([]int, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrBadNotation)
	}

	var values []int
	for _, item := range strings.Split(expr, "^") {
		if m := itemRe.FindStringSubmatch(item); m != nil {
			first, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrBadNotation, item)
			}
			last, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrBadNotation, item)
			}
			stride := 1
			if m[3] != "" {
				stride, err = strconv.Atoi(m[3])
				if err != nil || stride < 1 {
					return nil, fmt.Errorf("%w: bad stride in %q", ErrBadNotation, item)
				}
			}
			if last < first {
				return nil, fmt.Errorf("%w: descending range %q", ErrBadNotation, item)
			}
			for v := first; v <= last; v += stride {
				values = append(values, v)
			}
			continue
		}

		v, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadNotation, item)
		}
		values = append(values, v)
	}
	return values, nil
}
