// Human-readable layout dump.
package quire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Map writes one line per record and gap between Begin and End, in file
// order. It reads the file rather than the directory, so it shows what a
// recovery scan would see.
func (f *File) Map(w io.Writer) error {
	if f.closed {
		return ErrClosed
	}
	pos := f.header.Begin
	var word [4]byte
	for pos < f.header.End {
		if _, err := f.f.ReadAt(word[:], pos); err != nil {
			return ioError("map", err)
		}
		nbytes := int64(int32(binary.BigEndian.Uint32(word[:])))
		if nbytes < 0 {
			fmt.Fprintf(w, "%-20s At:%-10d N=%-8d %s\n", "", pos, -nbytes, "=== [GAP] ===")
			pos -= nbytes
			continue
		}
		k, err := f.readKeyHeader(pos)
		if err != nil {
			fmt.Fprintf(w, "%-20s At:%-10d %s: %v\n", "", pos, "=== [BAD] ===", err)
			return err
		}
		zip := ""
		if k.Compression != 0 {
			zip = fmt.Sprintf(" CX = %5.2f", k.Ratio())
		}
		fmt.Fprintf(w, "%-20s At:%-10d N=%-8d %-16s %s;%d%s\n",
			k.Time().Format("20060102/150405"), pos, k.Nbytes, k.Class, k.Name, k.Cycle, zip)
		pos += int64(k.Nbytes)
	}
	_, err := fmt.Fprintf(w, "%-20s At:%-10d N=%-8d %s\n", "", pos, 0, "END")
	return err
}
