package changefeed

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LSN is a postgres log sequence number.
type LSN uint64

// ParseLSN parses the textual pg_lsn representation (e.g. "16/B374D848").
func ParseLSN(s string) (LSN, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, errors.Errorf("invalid lsn %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid lsn %q", s)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid lsn %q", s)
	}
	return LSN(hi<<32 | lo), nil
}

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}
