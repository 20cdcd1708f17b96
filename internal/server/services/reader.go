package services

import "io"

// firstByteReader calls onFirst once, before handing out the first non-empty
// read. It is used by a single reader goroutine.
type firstByteReader struct {
	r       io.Reader
	onFirst func() error
	fired   bool
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && !f.fired {
		if ferr := f.fire(); ferr != nil {
			return 0, ferr
		}
	}
	return n, err
}

// fire runs onFirst unless it already ran.
func (f *firstByteReader) fire() error {
	if f.fired {
		return nil
	}
	f.fired = true
	return f.onFirst()
}
