// Range-over-func iteration over records and rows.
package columnar

import (
	"errors"
	"iter"
)

// Scan decodes every record in order into the value v points to and
// yields its index. A corrupt Block yields zero values; its error comes
// with the first of its records only.
func (c *Column) Scan(v any) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		bad := -1
		for i := int64(0); i < c.Entries(); i++ {
			err := c.Read(i, v)
			if errors.Is(err, ErrBlockCorrupt) {
				n := c.blockOf(i)
				if n == bad {
					err = nil
				}
				bad = n
			}
			if !yield(i, err) {
				return
			}
		}
	}
}

// Values yields the records of c as values of T.
func Values[T any](c *Column) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var v T
		for _, err := range c.Scan(&v) {
			if !yield(v, err) {
				return
			}
		}
	}
}

// Rows decodes every complete row into dst, one pointer per Column, and
// yields its index. Corrupt Blocks behave as in Column.Scan.
func (s *Store) Rows(dst ...any) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		if len(dst) != len(s.cols) {
			yield(-1, s.ReadRow(0, dst...))
			return
		}
		bad := make([]int, len(s.cols))
		for n := range bad {
			bad[n] = -1
		}
		rows := s.Entries()
		for i := int64(0); i < rows; i++ {
			var errs []error
			for n, c := range s.cols {
				err := c.Read(i, dst[n])
				if errors.Is(err, ErrBlockCorrupt) {
					b := c.blockOf(i)
					if b == bad[n] {
						err = nil
					}
					bad[n] = b
				}
				if err != nil {
					errs = append(errs, err)
				}
			}
			if !yield(i, errors.Join(errs...)) {
				return
			}
		}
	}
}
