package changefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in  string
		out Operation
	}{
		{"INSERT", OperationInsert},
		{"insert", OperationInsert},
		{"U", OperationUpdate},
		{"DELETE", OperationDelete},
		{"d", OperationDelete},
		{"TRUNCATE", OperationUnknown},
		{"", OperationUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.out, ParseOperation(tt.in), "operation %q", tt.in)
	}
	require.Equal(t, "UPDATE", OperationUpdate.String())
}

func TestNewChangeEvent(t *testing.T) {
	now := time.Now()
	row := map[string]interface{}{"id": int64(1)}

	ev, err := NewChangeEvent("public.orders", OperationInsert, now, row, nil)
	require.NoError(t, err)
	require.Equal(t, "public.orders", ev.Table)
	require.NotNil(t, ev.Metadata)

	_, err = NewChangeEvent("public.orders", OperationUpdate, now, row, row)
	require.NoError(t, err)
	_, err = NewChangeEvent("public.orders", OperationDelete, now, nil, row)
	require.NoError(t, err)

	_, err = NewChangeEvent("", OperationInsert, now, row, nil)
	require.Error(t, err)
	_, err = NewChangeEvent("public.orders", OperationInsert, now, nil, nil)
	require.Error(t, err)
	_, err = NewChangeEvent("public.orders", OperationInsert, now, row, row)
	require.Error(t, err)
	_, err = NewChangeEvent("public.orders", OperationDelete, now, row, row)
	require.Error(t, err)
}

func TestLSN(t *testing.T) {
	lsn, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	require.Equal(t, LSN(0x16<<32|0xB374D848), lsn)
	require.Equal(t, "16/B374D848", lsn.String())

	a, _ := ParseLSN("0/FFFFFFFF")
	b, _ := ParseLSN("1/0")
	require.True(t, a < b)

	for _, s := range []string{"", "16", "16/", "x/1", "1/2/3"} {
		_, err := ParseLSN(s)
		require.Error(t, err, "lsn %q", s)
	}
}

func TestTableFilter(t *testing.T) {
	f, err := NewTableFilter([]string{"public.order*", "audit.*"})
	require.NoError(t, err)

	require.True(t, f.Match("public.orders"))
	require.True(t, f.Match("public.order_lines"))
	require.True(t, f.Match("audit.log"))
	require.False(t, f.Match("public.customers"))
	require.False(t, f.Match("other.orders"))

	var nilFilter *TableFilter
	require.True(t, nilFilter.Match("anything"))

	empty, err := NewTableFilter(nil)
	require.NoError(t, err)
	require.True(t, empty.Match("public.customers"))

	_, err = NewTableFilter([]string{"public.[orders"})
	require.Error(t, err)
}
