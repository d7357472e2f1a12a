package tencent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{QuoteBaseURL: server.URL, KlineBaseURL: server.URL}, zerolog.Nop())
}

func instruments(t *testing.T, symbols ...string) []domain.Instrument {
	t.Helper()
	out := make([]domain.Instrument, 0, len(symbols))
	for _, s := range symbols {
		inst, err := classifier.Classify(s)
		require.NoError(t, err)
		out = append(out, inst)
	}
	return out
}

// quoteRecord builds a "~"-separated record with the given positions set
func quoteRecord(values map[int]string) string {
	fields := make([]string, 50)
	for i, v := range values {
		fields[i] = v
	}
	return strings.Join(fields, "~")
}

func gbk(t *testing.T, s string) []byte {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return out
}

func TestDescriptor(t *testing.T) {
	desc := NewClient(Config{}, zerolog.Nop()).Descriptor()
	assert.Equal(t, 60, desc.Weight)
	assert.Equal(t, 60, desc.MaxBatch)
	assert.True(t, desc.Supports(domain.MarketUS, domain.KindOHLCSeries))
	assert.False(t, desc.SupportsKind(domain.KindETFNAV))
}

func TestParseQuotes(t *testing.T) {
	body := "v_sh600519=\"1~贵州茅台~600519~1688.50\";\nv_pv_none_match=\"1\";\nv_hk99999=\"\";"
	quotes := ParseQuotes(body)

	require.Len(t, quotes, 1)
	assert.Equal(t, "贵州茅台", quotes["sh600519"][1])
}

func TestFetch_RealtimePrices(t *testing.T) {
	cn := quoteRecord(map[int]string{
		fieldName: "贵州茅台", fieldCode: "600519", fieldPrice: "1688.50", fieldPrevClose: "1680.10",
		fieldOpen: "1680.00", fieldVolume: "12345", fieldTime: "20240115150003", fieldChange: "8.40",
		fieldChangePct: "0.50", fieldHigh: "1699.00", fieldLow: "1675.10", fieldAmount: "208000", fieldPE: "28.31",
	})
	us := quoteRecord(map[int]string{
		fieldName: "Apple", fieldCode: "AAPL.OQ", fieldPrice: "185.92", fieldPrevClose: "185.59",
		fieldVolume: "40444700", fieldTime: "2024-01-12 16:00:01", fieldChange: "0.33", fieldChangePct: "0.18",
	})

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/q=sh600519,usAAPL,hk00700", r.URL.Path)
		w.Write(gbk(t, `v_sh600519="`+cn+`";`+"\n"+`v_usAAPL="`+us+`";`+"\n"+`v_pv_none_match="1";`))
	}))

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindRealtimePrice,
		Instruments: instruments(t, "600519", "AAPL", "0700.HK"),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	rec := out["600519"].Value.(domain.PriceRecord)
	assert.Equal(t, "贵州茅台", rec.Name)
	assert.Equal(t, 1688.5, rec.Price)
	assert.Equal(t, 1234500.0, rec.Volume)
	assert.Equal(t, 2.08e9, rec.Amount)
	assert.Equal(t, time.Date(2024, 1, 15, 7, 0, 3, 0, time.UTC), rec.QuotedAt)
	assert.True(t, out["600519"].Complete)

	aapl := out["AAPL"].Value.(domain.PriceRecord)
	assert.Equal(t, 40444700.0, aapl.Volume)
	assert.Equal(t, time.Date(2024, 1, 12, 21, 0, 1, 0, time.UTC), aapl.QuotedAt)
}

func TestFetch_PERatio(t *testing.T) {
	rec := quoteRecord(map[int]string{fieldPrice: "320.4", fieldPrevClose: "318", fieldPE: "21.7"})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`v_hk00700="` + rec + `";`))
	}))

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindPERatio,
		Instruments: instruments(t, "0700.HK"),
	})
	require.NoError(t, err)

	val := out["00700.HK"].Value.(domain.ValuationRecord)
	assert.Equal(t, 21.7, val.PE)
	assert.Equal(t, 320.4, val.Price)
	assert.True(t, out["00700.HK"].Complete)
}

func TestFetch_History(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/appstock/app/fqkline/get", r.URL.Path)
		param := r.URL.Query().Get("param")
		switch {
		case strings.HasPrefix(param, "sh600519,"):
			w.Write([]byte(`{"code":0,"msg":"","data":{"sh600519":{"qfqday":[
				["2024-01-11","1650.00","1660.00","1670.00","1640.00","12000.000"],
				["2024-01-12","1660.00","1670.50","1680.00","1655.00","13000.000",{"nd":"2023"}]
			]}}}`))
		case strings.HasPrefix(param, "usAAPL,"):
			w.Write([]byte(`{"code":0,"msg":"","data":{"usAAPL":{"day":[["2024-01-12","186.06","185.92","186.74","185.19","40444700"]]}}}`))
		default:
			w.Write([]byte(`{"code":0,"msg":"","data":{"hk99999":[]}}`))
		}
	}))

	out, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindOHLCSeries,
		Instruments: instruments(t, "600519", "AAPL", "9999.HK"),
		Window:      2,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	series := out["600519"].Value.(domain.OHLCSeries)
	require.Len(t, series.Bars, 2)
	assert.Equal(t, 1670.5, series.Bars[1].Close)
	assert.True(t, out["600519"].Complete)

	aapl := out["AAPL"]
	assert.False(t, aapl.Complete, "one bar for a window of two")
	assert.Equal(t, 185.92, aapl.Value.(domain.OHLCSeries).Bars[0].Close)
}

func TestFetch_ServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Fetch(context.Background(), domain.FetchRequest{
		Kind:        domain.KindRealtimePrice,
		Instruments: instruments(t, "600519"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}
