package analytics

import (
	"bufio"
	"errors"
	"os"
)

const maxLineSize = 1 << 20

// Position marks the end of a line in a log file.
type Position struct {
	File   os.FileInfo
	Offset int64 // bytes up to and including the line's newline

	// Restarted is set on the first line read after the file was truncated.
	Restarted bool
}

// lineSplitter cuts newline-terminated lines out of a reader, keeping an unterminated
// tail between calls. Lines longer than maxLineSize are dropped whole.
type lineSplitter struct {
	partial  []byte
	skipping bool
	dropped  int
}

// next returns the next complete line without its newline and the bytes consumed.
// It returns the read error (io.EOF included) once no complete line is left.
func (s *lineSplitter) next(r *bufio.Reader) (string, int64, error) {
	var n int64
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if !s.skipping {
			if len(s.partial)+len(chunk) > maxLineSize {
				s.partial = s.partial[:0]
				s.skipping = true
				s.dropped++
			} else {
				s.partial = append(s.partial, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", n, err
		}
		if s.skipping {
			s.skipping = false
			continue
		}
		line := string(s.partial[:len(s.partial)-1])
		s.partial = s.partial[:0]
		return line, n, nil
	}
}

// pending returns the unterminated tail, if any.
func (s *lineSplitter) pending() string {
	if s.skipping {
		return ""
	}
	return string(s.partial)
}

func (s *lineSplitter) reset() {
	s.partial = s.partial[:0]
	s.skipping = false
}

// covers reports whether a rebuild already counted the line ending at pos.
func covers(done []Position, pos Position) bool {
	if pos.File == nil {
		return false
	}
	for _, d := range done {
		if os.SameFile(d.File, pos.File) && pos.Offset <= d.Offset {
			return true
		}
	}
	return false
}
