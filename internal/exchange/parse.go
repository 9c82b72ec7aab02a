// parse.go decodes the pipe/caret-delimited KIS realtime data frames.
//
// A data frame looks like:
//
//	0|H0STCNT0|002|005930^093015^71200^...^005930^093016^71300^...
//
// The first field says whether the payload is encrypted, the second is the
// tr_id, the third the record count. The payload is caret-delimited; when
// the count is greater than one, records are concatenated back to back and
// the per-record field width is the total field count divided by the count.
package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kats-trader/pkg/types"
)

// dataFrame is one decoded realtime frame, split into per-record fields.
type dataFrame struct {
	Encrypted bool
	TrID      string
	Records   [][]string
}

func parseDataFrame(frame string) (*dataFrame, error) {
	parts := strings.SplitN(frame, "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed data frame: %d segments", len(parts))
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		return nil, fmt.Errorf("malformed record count %q", parts[2])
	}

	fields := strings.Split(parts[3], "^")
	width := len(fields) / count
	if width == 0 {
		return nil, fmt.Errorf("empty payload for %s", parts[1])
	}

	records := make([][]string, 0, count)
	for i := 0; i < count; i++ {
		start := i * width
		end := start + width
		if end > len(fields) {
			end = len(fields)
		}
		records = append(records, fields[start:end])
	}

	return &dataFrame{
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Records:   records,
	}, nil
}

// field returns fields[i] or "" when the record is short.
func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func fieldInt(fields []string, i int) int64 {
	v, _ := strconv.ParseInt(field(fields, i), 10, 64)
	return v
}

func fieldFloat(fields []string, i int) float64 {
	v, _ := strconv.ParseFloat(field(fields, i), 64)
	return v
}

// parseExecution decodes one H0STCNT0 record. The full frame carries ~46
// fields; only the ones trading logic needs are kept.
func parseExecution(fields []string, now time.Time) (types.PriceData, error) {
	if field(fields, 0) == "" {
		return types.PriceData{}, fmt.Errorf("execution record missing stock code")
	}
	return types.PriceData{
		StockCode: field(fields, 0),
		Time:      field(fields, 1),
		Price:     fieldInt(fields, 2),
		Sign:      field(fields, 3),
		Change:    fieldInt(fields, 4),
		ChangePct: fieldFloat(fields, 5),
		WeightAvg: fieldFloat(fields, 6),
		Open:      fieldInt(fields, 7),
		High:      fieldInt(fields, 8),
		Low:       fieldInt(fields, 9),
		Ask1:      fieldInt(fields, 10),
		Bid1:      fieldInt(fields, 11),
		Volume:    fieldInt(fields, 12),
		CumVolume: fieldInt(fields, 13),
		CumAmount: fieldInt(fields, 14),
		BuyFlag:   field(fields, 15),
		TotalSell: fieldInt(fields, 16),
		TotalBuy:  fieldInt(fields, 17),
		Strength:  fieldFloat(fields, 18),
		Timestamp: now,
	}, nil
}

// parseOrderbook decodes one H0STASP0 record: 10 ask levels at indexes
// 3–12, 10 bid levels at 13–22, volumes at 23–32 / 33–42, totals at 43/44.
func parseOrderbook(fields []string, now time.Time) (types.OrderbookData, error) {
	if field(fields, 0) == "" {
		return types.OrderbookData{}, fmt.Errorf("orderbook record missing stock code")
	}

	ob := types.OrderbookData{
		StockCode: field(fields, 0),
		Time:      field(fields, 1),
		TotalAsk:  fieldInt(fields, 43),
		TotalBid:  fieldInt(fields, 44),
		Timestamp: now,
	}
	for i := 0; i < 10; i++ {
		ob.AskPrices[i] = fieldInt(fields, 3+i)
		ob.BidPrices[i] = fieldInt(fields, 13+i)
		ob.AskVolumes[i] = fieldInt(fields, 23+i)
		ob.BidVolumes[i] = fieldInt(fields, 33+i)
	}
	return ob, nil
}

// parseVI decodes one H0STVI0 record.
func parseVI(fields []string, now time.Time) (types.VIData, error) {
	if field(fields, 0) == "" {
		return types.VIData{}, fmt.Errorf("vi record missing stock code")
	}
	return types.VIData{
		StockCode:    field(fields, 0),
		Time:         field(fields, 1),
		Class:        field(fields, 2),
		Status:       field(fields, 3),
		StaticBase:   fieldInt(fields, 4),
		DynamicBase:  fieldInt(fields, 5),
		TriggerPrice: fieldInt(fields, 6),
		Timestamp:    now,
	}, nil
}

// parseOrderNotice decodes one H0STCNC0 record. The order_type field uses
// the broker's 01=sell / 02=buy convention.
func parseOrderNotice(fields []string, now time.Time) (types.OrderNotice, error) {
	if field(fields, 3) == "" {
		return types.OrderNotice{}, fmt.Errorf("order notice missing order number")
	}

	side := types.BUY
	if field(fields, 5) == "01" {
		side = types.SELL
	}

	return types.OrderNotice{
		OrderDate:    field(fields, 0),
		OrderTime:    field(fields, 1),
		AccountNo:    field(fields, 2),
		OrderNo:      field(fields, 3),
		StockCode:    field(fields, 4),
		Side:         side,
		OrderKind:    field(fields, 6),
		OrderPrice:   fieldInt(fields, 7),
		OrderQty:     fieldInt(fields, 8),
		ExecPrice:    fieldInt(fields, 9),
		ExecQty:      fieldInt(fields, 10),
		ExecAmount:   fieldInt(fields, 11),
		RemainingQty: fieldInt(fields, 12),
		Status:       field(fields, 13),
		RejectReason: field(fields, 14),
		Timestamp:    now,
	}, nil
}
