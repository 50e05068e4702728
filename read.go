// Low-level read operations for file access.
//
// readLineAt reads one newline-delimited log line at a known byte offset
// without scanning the rest of the file — the file persister uses it in
// iterate/iterate_unsafe to read a record once its offset has been found
// in the in-memory offset index. Both \n and \r\n line endings are
// accepted on read; the persister only ever writes \n.
package evstream

import (
	"bufio"
	"io"
	"os"
)

// readLineAt reads a complete line starting at offset, stopping at the
// first \n. The \n, and a \r directly before it, are not included in the
// returned bytes.
func readLineAt(f *os.File, offset int64) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	remaining := info.Size() - offset
	if remaining <= 0 {
		return nil, io.EOF
	}

	section := io.NewSectionReader(f, offset, remaining)
	reader := bufio.NewReader(section)
	data, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}

	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	if len(data) > 0 && data[len(data)-1] == '\r' {
		data = data[:len(data)-1]
	}
	return data, nil
}

// fileSize returns the current length of f in bytes.
func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
