package exchange

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execRecord(code, price string) string {
	fields := []string{
		code, "093015", price, "2", "500", "0.71", "71150.5",
		"70800", "71400", "70700", "71250", "71200",
		"120", "1523400", "108432100000", "1", "250000", "310000", "124.0",
	}
	return strings.Join(fields, "^")
}

func TestParseDataFrameSingleRecord(t *testing.T) {
	t.Parallel()

	frame := "0|H0STCNT0|001|" + execRecord("005930", "71200")
	msg, err := parseDataFrame(frame)
	require.NoError(t, err)

	assert.False(t, msg.Encrypted)
	assert.Equal(t, "H0STCNT0", msg.TrID)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, "005930", msg.Records[0][0])
}

func TestParseDataFrameMultipleRecords(t *testing.T) {
	t.Parallel()

	payload := execRecord("005930", "71200") + "^" + execRecord("000660", "185000")
	frame := "0|H0STCNT0|002|" + payload

	msg, err := parseDataFrame(frame)
	require.NoError(t, err)
	require.Len(t, msg.Records, 2)
	assert.Equal(t, "005930", msg.Records[0][0])
	assert.Equal(t, "000660", msg.Records[1][0])
}

func TestParseDataFrameEncrypted(t *testing.T) {
	t.Parallel()

	frame := "1|H0STCNC0|001|" + execRecord("005930", "71200")
	msg, err := parseDataFrame(frame)
	require.NoError(t, err)
	assert.True(t, msg.Encrypted)
}

func TestParseDataFrameMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"0|H0STCNT0|001",      // missing payload
		"0|H0STCNT0|zero|a^b", // non-numeric count
		"0|H0STCNT0|0|a^b",    // zero count
	}
	for _, frame := range cases {
		_, err := parseDataFrame(frame)
		assert.Error(t, err, "frame %q", frame)
	}
}

func TestParseExecution(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := strings.Split(execRecord("005930", "71200"), "^")

	tick, err := parseExecution(rec, now)
	require.NoError(t, err)

	assert.Equal(t, "005930", tick.StockCode)
	assert.Equal(t, "093015", tick.Time)
	assert.Equal(t, int64(71200), tick.Price)
	assert.Equal(t, int64(500), tick.Change)
	assert.InDelta(t, 0.71, tick.ChangePct, 1e-9)
	assert.Equal(t, int64(70800), tick.Open)
	assert.Equal(t, int64(71400), tick.High)
	assert.Equal(t, int64(70700), tick.Low)
	assert.Equal(t, int64(1523400), tick.CumVolume)
	assert.InDelta(t, 124.0, tick.Strength, 1e-9)
	assert.Equal(t, now, tick.Timestamp)
}

func TestParseExecutionMissingCode(t *testing.T) {
	t.Parallel()

	_, err := parseExecution([]string{""}, time.Now())
	assert.Error(t, err)
}

func TestParseOrderbook(t *testing.T) {
	t.Parallel()

	// 45 fields: code, time, class, 10 asks, 10 bids, 10 ask vols,
	// 10 bid vols, total ask, total bid
	fields := make([]string, 45)
	fields[0] = "005930"
	fields[1] = "093015"
	fields[2] = "0"
	for i := 0; i < 10; i++ {
		fields[3+i] = "71300"  // asks
		fields[13+i] = "71200" // bids
		fields[23+i] = "100"   // ask volumes
		fields[33+i] = "200"   // bid volumes
	}
	fields[43] = "1000"
	fields[44] = "2000"

	ob, err := parseOrderbook(fields, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "005930", ob.StockCode)
	assert.Equal(t, int64(71300), ob.AskPrices[0])
	assert.Equal(t, int64(71200), ob.BidPrices[0])
	assert.Equal(t, int64(100), ob.AskVolumes[9])
	assert.Equal(t, int64(200), ob.BidVolumes[9])
	assert.Equal(t, int64(1000), ob.TotalAsk)
	assert.Equal(t, int64(2000), ob.TotalBid)

	price, vol := ob.BestAsk()
	assert.Equal(t, int64(71300), price)
	assert.Equal(t, int64(100), vol)
}

func TestParseVI(t *testing.T) {
	t.Parallel()

	fields := []string{"005930", "101500", "1", "Y", "71000", "70500", "78100"}
	vi, err := parseVI(fields, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "005930", vi.StockCode)
	assert.Equal(t, "1", vi.Class)
	assert.Equal(t, int64(71000), vi.StaticBase)
	assert.Equal(t, int64(78100), vi.TriggerPrice)
}

func TestParseOrderNotice(t *testing.T) {
	t.Parallel()

	fields := []string{
		"20260824", "093020", "12345678", "0000012345", "005930",
		"02", "00", "71200", "10", "71200", "10", "712000", "0", "2", "",
	}
	n, err := parseOrderNotice(fields, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "0000012345", n.OrderNo)
	assert.Equal(t, "005930", n.StockCode)
	assert.Equal(t, "BUY", string(n.Side))
	assert.Equal(t, int64(10), n.ExecQty)
	assert.Equal(t, int64(0), n.RemainingQty)
}

func TestParseOrderNoticeSellSide(t *testing.T) {
	t.Parallel()

	fields := []string{
		"20260824", "093020", "12345678", "0000012346", "005930",
		"01", "00", "71200", "10", "0", "0", "0", "10", "1", "",
	}
	n, err := parseOrderNotice(fields, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "SELL", string(n.Side))
}

func TestParseOrderNoticeMissingOrderNo(t *testing.T) {
	t.Parallel()

	_, err := parseOrderNotice([]string{"20260824", "093020", "12345678"}, time.Now())
	assert.Error(t, err)
}
