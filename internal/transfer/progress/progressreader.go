package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback. The
// callback doubles as the cooperative cancellation checkpoint for transfers.
type Reader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64) error
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64) error) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			if cbErr := pr.OnProgress(pr.totalRead, pr.Total); cbErr != nil {
				return n, cbErr
			}

			pr.lastReport = 0
		}
	}

	return n, err
}
